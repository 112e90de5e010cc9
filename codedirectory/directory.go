// Package codedirectory implements the CodeDirectory: the canonical,
// versioned binary manifest of page-indexed hashes and metadata that is
// the atomic unit of sealing (spec §3, §4.2).
//
// The fixed-header layout and version-gated flexible fields are grounded
// on github.com/blacktop/go-codesign's pkg/codesign/types/directory.go
// (CodeDirectoryType and its version-gated trailing fields); the Builder
// below is grounded on original_source's lib/cdbuilder.cpp, since the
// teacher only ever parses a CodeDirectory and never builds one.
package codedirectory

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/cserr"
)

// HashType identifies the digest algorithm sealed pages are hashed with.
type HashType uint8

const (
	HashNone   HashType = 0
	HashSHA1   HashType = 1
	HashSHA256 HashType = 2
)

func (h HashType) New() hash.Hash {
	switch h {
	case HashSHA1:
		return sha1.New()
	case HashSHA256:
		return sha256.New()
	default:
		return nil
	}
}

func (h HashType) Size() int {
	switch h {
	case HashSHA1:
		return sha1.Size
	case HashSHA256:
		return sha256.Size
	default:
		return 0
	}
}

func (h HashType) String() string {
	switch h {
	case HashSHA1:
		return "SHA1"
	case HashSHA256:
		return "SHA256"
	default:
		return "none"
	}
}

// Version gates which trailing fields a CodeDirectory carries.
const (
	EarliestVersion      uint32 = 0x20001
	SupportsScatter      uint32 = 0x20100
	SupportsTeamID       uint32 = 0x20200
	SupportsCodeLimit64  uint32 = 0x20300
	SupportsExecSeg      uint32 = 0x20400
	SupportsRuntime      uint32 = 0x20500
	SupportsLinkage      uint32 = 0x20600
	CurrentVersion       uint32 = 0x20100
	CompatibilityLimit   uint32 = 0x2F000
)

// Flag bits, spec §6 "CodeDirectory flag bits" plus the fuller set the
// teacher's directory.go already enumerates.
const (
	FlagHost           uint32 = 0x0001
	FlagAdhoc          uint32 = 0x0002
	FlagGetTaskAllow   uint32 = 0x0004
	FlagInstaller      uint32 = 0x0008
	FlagForcedLV       uint32 = 0x0010
	FlagInvalidAllowed uint32 = 0x0020
	FlagHard           uint32 = 0x0100
	FlagKill           uint32 = 0x0200
	FlagCheckExpire    uint32 = 0x0400
	FlagRestrict       uint32 = 0x0800
	FlagEnforcement    uint32 = 0x1000
	FlagRequireLV      uint32 = 0x2000
	FlagRuntime        uint32 = 0x10000
	FlagLinkerSigned   uint32 = 0x20000
)

// Special-slot indices, negative offsets from hashOffset (spec §3).
const (
	SlotInfoPlist         = 1
	SlotRequirements      = 2
	SlotResourceDir       = 3
	SlotApplication       = 4
	SlotEntitlements      = 5
	SlotDEREntitlements   = 7
	MaxSpecialSlots       = 7
)

// PageSize encodes a pagesize as its base-2 log, with 0 meaning "infinite"
// (one slot covers the whole signed range), matching spec §3/§4.2.
type PageSize uint32

func EncodePageSize(bytes uint32) PageSize {
	if bytes == 0 {
		return 0
	}
	return PageSize(math.Ilogb(float64(bytes)))
}

func (p PageSize) Bytes() uint32 {
	if p == 0 {
		return 0
	}
	return 1 << uint32(p)
}

// Directory is the parsed, in-memory representation of a CodeDirectory
// blob: fixed header fields plus the flexible identifier/scatter/hash
// arrays, already validated against the invariants in spec §3.
type Directory struct {
	Version         uint32
	Flags           uint32
	Identifier      string
	TeamID          string
	HashType        HashType
	HashSize        uint8
	PageSize        PageSize
	CodeLimit       uint64
	ExecSegBase     uint64
	ExecSegLimit    uint64
	ExecSegFlags    uint64
	Scatter         []ScatterEntry
	SpecialSlots    [][]byte // index 0 == slot -1 (Info.plist), ... up to MaxSpecialSlots
	CodeSlots       [][]byte
	Raw             []byte // the exact serialized bytes this Directory was parsed from, or produced by Builder.Build
}

type ScatterEntry struct {
	Count        uint32
	Base         uint32
	TargetOffset uint64
	Spare        uint64
}

// CDHash is SHA-1 of the serialized CodeDirectory bytes (glossary: cdhash).
// Spec §4.3 opcode CDHash always hashes with SHA-1 regardless of the
// directory's own HashType, per original_source's reqinterp.cpp.
func (d *Directory) CDHash() [sha1.Size]byte {
	return sha1.Sum(d.Raw)
}

// SlotIsPresent is true iff slot lies in range and its digest is not all
// zero (spec §4.2).
func (d *Directory) SlotIsPresent(slot int) bool {
	data := d.slot(slot)
	if data == nil {
		return false
	}
	for _, b := range data {
		if b != 0 {
			return true
		}
	}
	return false
}

// ValidateSlot reports whether H(data) == cd[slot].
func (d *Directory) ValidateSlot(data []byte, slot int) bool {
	want := d.slot(slot)
	if want == nil {
		return false
	}
	h := d.HashType.New()
	if h == nil {
		return false
	}
	h.Write(data)
	return bytes.Equal(h.Sum(nil), want)
}

func (d *Directory) slot(slot int) []byte {
	if slot >= 0 {
		if slot >= len(d.CodeSlots) {
			return nil
		}
		return d.CodeSlots[slot]
	}
	idx := -slot - 1
	if idx < 0 || idx >= len(d.SpecialSlots) {
		return nil
	}
	return d.SpecialSlots[idx]
}

// CheckIntegrity performs the pre-verification bounds checks spec §4.2
// requires before any slot is trusted: version range, and that the
// scatter vector (if present) only addresses valid code slots.
func (d *Directory) CheckIntegrity() error {
	if d.Version < EarliestVersion {
		return cserr.Newf(cserr.SignatureUnsupported, "codedirectory: version %#x older than earliest supported %#x", d.Version, EarliestVersion)
	}
	if d.Version > CompatibilityLimit {
		return cserr.Newf(cserr.SignatureUnsupported, "codedirectory: version %#x beyond compatibility limit %#x", d.Version, CompatibilityLimit)
	}
	for _, s := range d.Scatter {
		if s.Count == 0 {
			continue
		}
		if uint64(s.Base)+uint64(s.Count) > uint64(len(d.CodeSlots)) {
			return cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: scatter entry addresses pages beyond nCodeSlots"))
		}
	}
	return nil
}

// Parse decodes a CodeDirectory blob (header already consumed by the
// caller is not assumed; Parse expects the full blob including the
// {magic, length} header, as found inside a SuperBlob slot).
func Parse(data []byte) (*Directory, error) {
	if len(data) < 44 {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: truncated header"))
	}
	var hdr blob.Header
	hdr.Magic = blob.Magic(binary.BigEndian.Uint32(data[0:4]))
	hdr.Length = binary.BigEndian.Uint32(data[4:8])
	if err := hdr.Validate(blob.MagicCodeDirectory, len(data)); err != nil {
		return nil, err
	}
	raw := data[:hdr.Length]

	r := bytes.NewReader(raw[8:])
	var (
		version, flags, hashOffset, identOffset uint32
		nSpecial, nCode                         uint32
		codeLimit                                uint32
		hashSize, hashType, platform, pageLog2   uint8
		spare2                                    uint32
	)
	for _, f := range []any{&version, &flags, &hashOffset, &identOffset, &nSpecial, &nCode, &codeLimit} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}
	for _, f := range []any{&hashSize, &hashType, &platform, &pageLog2, &spare2} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}

	d := &Directory{
		Version:   version,
		Flags:     flags,
		HashType:  HashType(hashType),
		HashSize:  hashSize,
		PageSize:  PageSize(pageLog2),
		CodeLimit: uint64(codeLimit),
	}

	var scatterOffset uint32
	if version >= SupportsScatter {
		if err := binary.Read(r, binary.BigEndian, &scatterOffset); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}
	var teamOffset uint32
	if version >= SupportsTeamID {
		if err := binary.Read(r, binary.BigEndian, &teamOffset); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}
	if version >= SupportsCodeLimit64 {
		var spare3 uint32
		var codeLimit64 uint64
		if err := binary.Read(r, binary.BigEndian, &spare3); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
		if err := binary.Read(r, binary.BigEndian, &codeLimit64); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
		if codeLimit64 != 0 {
			d.CodeLimit = codeLimit64
		}
	}
	if version >= SupportsExecSeg {
		if err := binary.Read(r, binary.BigEndian, &d.ExecSegBase); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
		if err := binary.Read(r, binary.BigEndian, &d.ExecSegLimit); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
		if err := binary.Read(r, binary.BigEndian, &d.ExecSegFlags); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}
	if version >= SupportsRuntime {
		var runtime, preEncryptOffset uint32
		if err := binary.Read(r, binary.BigEndian, &runtime); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
		if err := binary.Read(r, binary.BigEndian, &preEncryptOffset); err != nil {
			return nil, cserr.New(cserr.SignatureInvalid, err)
		}
	}
	if version >= SupportsLinkage {
		var linkageHashType, linkageTruncated uint8
		var linkageSpare uint16
		var linkageOffset, linkageSize uint32
		for _, f := range []any{&linkageHashType, &linkageTruncated, &linkageSpare, &linkageOffset, &linkageSize} {
			if err := binary.Read(r, binary.BigEndian, f); err != nil {
				return nil, cserr.New(cserr.SignatureInvalid, err)
			}
		}
	}

	if int(identOffset) >= len(raw) {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: identifier offset out of bounds"))
	}
	end := bytes.IndexByte(raw[identOffset:], 0)
	if end < 0 {
		return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: identifier not NUL-terminated"))
	}
	d.Identifier = string(raw[identOffset : int(identOffset)+end])

	if teamOffset != 0 {
		if int(teamOffset) >= len(raw) {
			return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: team offset out of bounds"))
		}
		tend := bytes.IndexByte(raw[teamOffset:], 0)
		if tend >= 0 {
			d.TeamID = string(raw[teamOffset : int(teamOffset)+tend])
		}
	}

	hs := int(hashSize)
	if hs > 0 {
		base := int(hashOffset)
		for i := 1; i <= int(nSpecial); i++ {
			start := base - i*hs
			if start < 0 || start+hs > len(raw) {
				return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: special slot %d out of bounds", -i))
			}
			d.SpecialSlots = append(d.SpecialSlots, raw[start:start+hs])
		}
		for i := 0; i < int(nCode); i++ {
			start := base + i*hs
			if start < 0 || start+hs > len(raw) {
				return nil, cserr.New(cserr.SignatureInvalid, fmt.Errorf("codedirectory: code slot %d out of bounds", i))
			}
			d.CodeSlots = append(d.CodeSlots, raw[start:start+hs])
		}
	}

	if scatterOffset != 0 {
		sr := bytes.NewReader(raw[scatterOffset:])
		for {
			var s ScatterEntry
			if err := binary.Read(sr, binary.BigEndian, &s.Count); err != nil {
				break
			}
			if s.Count == 0 {
				break
			}
			binary.Read(sr, binary.BigEndian, &s.Base)
			binary.Read(sr, binary.BigEndian, &s.TargetOffset)
			binary.Read(sr, binary.BigEndian, &s.Spare)
			d.Scatter = append(d.Scatter, s)
		}
	}

	d.Raw = raw
	return d, d.CheckIntegrity()
}
