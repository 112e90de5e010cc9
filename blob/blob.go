// Package blob implements the tagged, length-prefixed binary container
// format shared by every persisted code-signing structure: a 32-bit
// big-endian magic followed by a 32-bit big-endian total length, and for
// SuperBlobs, an index of (type, offset) pairs addressing sub-blobs.
//
// Grounded on github.com/blacktop/go-codesign's pkg/codesign/types/blob.go,
// generalized so that blob.Magic, blob.SuperBlob and blob.BlobIndex are
// shared by the codedirectory and requirement packages instead of each
// keeping a private duplicate (as the teacher's pkg/codesign/types and
// top-level types packages independently did).
package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-codesign/cserr"
)

// Magic identifies the type of a blob's payload.
type Magic uint32

const (
	MagicRequirement            Magic = 0xfade0c00
	MagicRequirementSet          Magic = 0xfade0c01
	MagicCodeDirectory           Magic = 0xfade0c02
	MagicEmbeddedSignature       Magic = 0xfade0cc0
	MagicEmbeddedSignatureOld    Magic = 0xfade0b02
	MagicLibraryDependencyBlob   Magic = 0xfade0c05
	MagicEmbeddedEntitlements    Magic = 0xfade7171
	MagicEmbeddedEntitlementsDER Magic = 0xfade7172
	MagicDetachedSignature       Magic = 0xfade0cc1
	MagicBlobWrapper             Magic = 0xfade0b01
)

func (m Magic) String() string {
	switch m {
	case MagicRequirement:
		return "requirement"
	case MagicRequirementSet:
		return "requirement set"
	case MagicCodeDirectory:
		return "code directory"
	case MagicEmbeddedSignature:
		return "embedded signature"
	case MagicEmbeddedSignatureOld:
		return "embedded signature (old)"
	case MagicLibraryDependencyBlob:
		return "library dependency blob"
	case MagicEmbeddedEntitlements:
		return "entitlements"
	case MagicEmbeddedEntitlementsDER:
		return "entitlements (DER)"
	case MagicDetachedSignature:
		return "detached signature"
	case MagicBlobWrapper:
		return "blob wrapper"
	default:
		return fmt.Sprintf("magic(%#08x)", uint32(m))
	}
}

// Header is the {magic, length} prefix common to every blob.
type Header struct {
	Magic  Magic
	Length uint32
}

const HeaderSize = 8

// Validate performs the only check the contract promises at this layer:
// the declared length must fit within the enclosing byte range, and the
// magic must be the one the caller expected.
func (h Header) Validate(want Magic, bound int) error {
	if h.Magic != want {
		return cserr.Newf(cserr.SignatureInvalid, "blob: expected magic %s, got %s", want, h.Magic)
	}
	if int(h.Length) < HeaderSize || int(h.Length) > bound {
		return cserr.Newf(cserr.SignatureInvalid, "blob: length %d out of bounds (max %d)", h.Length, bound)
	}
	return nil
}

// SlotType enumerates the fixed, extensible set of SuperBlob index slots.
type SlotType uint32

const (
	SlotCodeDirectory          SlotType = 0
	SlotInfoSlot               SlotType = 1
	SlotRequirements           SlotType = 2
	SlotResourceDir            SlotType = 3
	SlotApplication            SlotType = 4
	SlotEntitlements           SlotType = 5
	SlotRepSpecific            SlotType = 6
	SlotEntitlementsDER        SlotType = 7
	SlotAlternateCodeDirectory SlotType = 0x1000
	SlotAlternateLimit         SlotType = 0x1005
	SlotSignatureSlot          SlotType = 0x10000
	SlotIdentificationSlot     SlotType = 0x10001
	SlotTicketSlot             SlotType = 0x10002
)

func (s SlotType) String() string {
	switch {
	case s == SlotCodeDirectory:
		return "CodeDirectory"
	case s == SlotInfoSlot:
		return "Info.plist"
	case s == SlotRequirements:
		return "Requirements"
	case s == SlotResourceDir:
		return "ResourceDir"
	case s == SlotApplication:
		return "Application"
	case s == SlotEntitlements:
		return "Entitlements"
	case s == SlotRepSpecific:
		return "RepSpecific"
	case s == SlotEntitlementsDER:
		return "EntitlementsDER"
	case s == SlotSignatureSlot:
		return "Signature"
	case s == SlotIdentificationSlot:
		return "Identification"
	case s == SlotTicketSlot:
		return "Ticket"
	case s >= SlotAlternateCodeDirectory && s < SlotAlternateLimit:
		return fmt.Sprintf("AlternateCodeDirectory(%d)", s-SlotAlternateCodeDirectory)
	default:
		return fmt.Sprintf("slot(%#x)", uint32(s))
	}
}

// Index is one (type, offset) entry in a SuperBlob's index array.
type Index struct {
	Type   SlotType
	Offset uint32
}

// SuperBlob is the tagged container aggregating CodeDirectory,
// Requirements, entitlement blobs, resource-seal dictionaries and the CMS
// signature. Bytes emits index entries sorted ascending by Type so that
// its output is deterministic across runs, matching spec §4.1's
// "SuperBlob::Maker ... deterministic across runs" contract.
type SuperBlob struct {
	Magic Magic
	Index []Index
	Blobs map[SlotType][]byte // raw, already-serialized sub-blob bytes, keyed by slot
}

// NewSuperBlob creates an empty SuperBlob of the given magic.
func NewSuperBlob(magic Magic) *SuperBlob {
	return &SuperBlob{Magic: magic, Blobs: make(map[SlotType][]byte)}
}

// Add inserts or replaces a sub-blob under the given slot type.
func (s *SuperBlob) Add(typ SlotType, data []byte) {
	s.Blobs[typ] = data
}

// Find returns the raw bytes of the sub-blob at typ, or nil if absent.
func (s *SuperBlob) Find(typ SlotType) []byte {
	return s.Blobs[typ]
}

// Bytes serializes the SuperBlob: header, sorted index, concatenated
// sub-blobs, all big-endian and self-relative as required by spec §4.1.
func (s *SuperBlob) Bytes() []byte {
	types := make([]SlotType, 0, len(s.Blobs))
	for t := range s.Blobs {
		types = append(types, t)
	}
	sortSlotTypes(types)

	count := len(types)
	headerLen := HeaderSize + 4 + count*8
	total := headerLen
	offsets := make([]uint32, count)
	for i, t := range types {
		offsets[i] = uint32(total)
		total += len(s.Blobs[t])
	}

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(s.Magic))
	binary.BigEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint32(out[8:12], uint32(count))
	for i, t := range types {
		o := 12 + i*8
		binary.BigEndian.PutUint32(out[o:o+4], uint32(t))
		binary.BigEndian.PutUint32(out[o+4:o+8], offsets[i])
	}
	for i, t := range types {
		copy(out[offsets[i]:], s.Blobs[t])
	}
	return out
}

func sortSlotTypes(s []SlotType) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ParseSuperBlob decodes a SuperBlob and splits out its sub-blobs without
// interpreting them; callers downcast each sub-blob by its declared type.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	if len(data) < 12 {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("superblob: truncated header"))
	}
	magic := Magic(binary.BigEndian.Uint32(data[0:4]))
	length := binary.BigEndian.Uint32(data[4:8])
	count := binary.BigEndian.Uint32(data[8:12])
	if int(length) > len(data) {
		return nil, cserr.Newf(cserr.SignatureInvalid, "superblob: length %d exceeds buffer %d", length, len(data))
	}
	sb := NewSuperBlob(magic)
	indexEnd := 12 + int(count)*8
	if indexEnd > len(data) {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("superblob: index out of bounds"))
	}
	type rawIdx struct {
		typ SlotType
		off uint32
	}
	entries := make([]rawIdx, count)
	for i := 0; i < int(count); i++ {
		o := 12 + i*8
		entries[i] = rawIdx{
			typ: SlotType(binary.BigEndian.Uint32(data[o : o+4])),
			off: binary.BigEndian.Uint32(data[o+4 : o+8]),
		}
	}
	for _, e := range entries {
		start := int(e.off)
		if start < 0 || start+8 > len(data) {
			return nil, cserr.Newf(cserr.SignatureInvalid, "superblob: slot %s offset %d out of bounds", e.typ, e.off)
		}
		subLen := int(binary.BigEndian.Uint32(data[start+4 : start+8]))
		if subLen < HeaderSize || start+subLen > len(data) {
			return nil, cserr.Newf(cserr.SignatureInvalid, "superblob: slot %s declares length %d out of bounds", e.typ, subLen)
		}
		end := start + subLen
		sb.Index = append(sb.Index, Index{Type: e.typ, Offset: e.off})
		sb.Blobs[e.typ] = data[start:end]
	}
	return sb, nil
}

// Wrap prefixes data with a {magic, length} header, producing a plain Blob.
func Wrap(magic Magic, data []byte) []byte {
	out := make([]byte, HeaderSize+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(magic))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[HeaderSize:], data)
	return out
}

// Unwrap strips a {magic, length} header and returns the payload,
// verifying the declared magic and length. The inverse of Wrap, needed
// wherever a SuperBlob slot holds an opaque BlobWrapper (the CMS
// signature slot) rather than a self-describing blob.
func Unwrap(want Magic, data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("blob: truncated header"))
	}
	var hdr Header
	hdr.Magic = Magic(binary.BigEndian.Uint32(data[0:4]))
	hdr.Length = binary.BigEndian.Uint32(data[4:8])
	if err := hdr.Validate(want, len(data)); err != nil {
		return nil, err
	}
	return data[HeaderSize:hdr.Length], nil
}
