package codedirectory

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/cserr"
)

// Builder assembles a CodeDirectory from an executable slice plus a
// handful of special-slot contents, grounded on original_source's
// lib/cdbuilder.cpp (CodeDirectory::Builder): the memory layout it
// produces is, in order, header · optional scatter vector · identifier+NUL
// · team-id+NUL (if any) · special-slot digests (descending index,
// immediately preceding hashOffset) · code-page digests (ascending,
// from hashOffset).
type Builder struct {
	Identifier string
	TeamID     string
	HashType   HashType
	PageSize   uint32 // 0 = infinite (one slot for the whole range)
	ExecSegBase, ExecSegLimit, ExecSegFlags uint64
	Flags      uint32

	special [MaxSpecialSlots + 1][]byte // 1-indexed, mirrors spec's special-slot numbering
}

// SpecialSlot stages the content of a special slot; its digest is
// computed at Build time, matching cdbuilder.cpp's specialSlot(), which
// stores the raw data and defers hashing.
func (b *Builder) SpecialSlot(slot int, data []byte) {
	if slot < 1 || slot > MaxSpecialSlots {
		return
	}
	b.special[slot] = data
}

// Build hashes codeSize bytes read from exec (starting at the reader's
// current position) in PageSize-sized chunks and emits a complete,
// serialized CodeDirectory blob.
//
// nCodeSlots = ceil(codeSize / pageSize), with the edge cases spec §3/§8
// calls out explicitly: pageSize == 0 yields exactly one slot covering
// the whole range (or zero slots if codeSize == 0), matching
// cdbuilder.cpp's handling of a monolithic (non-paged) digest.
func (b *Builder) Build(exec io.Reader, codeSize int64) (*Directory, error) {
	h := b.HashType.New()
	if h == nil {
		return nil, cserr.Newf(cserr.InternalError, "codedirectory: unsupported hash type %v", b.HashType)
	}
	hashSize := b.HashType.Size()

	var nCodeSlots int64
	pageSize := b.PageSize
	switch {
	case codeSize == 0:
		nCodeSlots = 0
	case pageSize == 0:
		nCodeSlots = 1
	default:
		nCodeSlots = (codeSize + int64(pageSize) - 1) / int64(pageSize)
	}

	d := &Directory{
		Version:      SupportsExecSeg,
		Flags:        b.Flags,
		Identifier:   b.Identifier,
		TeamID:       b.TeamID,
		HashType:     b.HashType,
		HashSize:     uint8(hashSize),
		PageSize:     EncodePageSize(pageSize),
		CodeLimit:    uint64(codeSize),
		ExecSegBase:  b.ExecSegBase,
		ExecSegLimit: b.ExecSegLimit,
		ExecSegFlags: b.ExecSegFlags,
	}

	// Build in the same order Directory.slot()/Parse use: index 0 is
	// slot -1 (special slot 1, Info.plist), ascending from there, so a
	// Builder-produced Directory answers ValidateSlot/SlotIsPresent the
	// same way a parsed one does. serialize below re-reverses this into
	// cdbuilder.cpp's actual file order (highest special slot nearest the
	// start of the file, slot -1 immediately preceding code slot 0).
	for slot := 1; slot <= MaxSpecialSlots; slot++ {
		data := b.special[slot]
		if data == nil {
			d.SpecialSlots = append(d.SpecialSlots, make([]byte, hashSize))
			continue
		}
		h.Reset()
		h.Write(data)
		d.SpecialSlots = append(d.SpecialSlots, append([]byte(nil), h.Sum(nil)...))
	}
	// trim trailing (highest-index, unused) all-zero special slots the
	// same way cdbuilder.cpp only allocates up to the highest slot that
	// was actually set.
	for len(d.SpecialSlots) > 0 && allZero(d.SpecialSlots[len(d.SpecialSlots)-1]) {
		d.SpecialSlots = d.SpecialSlots[:len(d.SpecialSlots)-1]
	}

	remaining := codeSize
	for i := int64(0); i < nCodeSlots; i++ {
		n := int64(pageSize)
		if pageSize == 0 || n > remaining {
			n = remaining
		}
		h.Reset()
		if _, err := io.CopyN(h, exec, n); err != nil {
			return nil, cserr.New(cserr.InternalError, fmt.Errorf("codedirectory: hashing code slot %d: %w", i, err))
		}
		d.CodeSlots = append(d.CodeSlots, append([]byte(nil), h.Sum(nil)...))
		remaining -= n
	}

	raw, err := serialize(d)
	if err != nil {
		return nil, err
	}
	d.Raw = raw
	return d, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// serialize lays out the blob exactly as cdbuilder.cpp's build() does.
func serialize(d *Directory) ([]byte, error) {
	const fixedHeaderSize = 88 // magic..execSegFlags, see the PutUint* sequence below
	identBytes := append([]byte(d.Identifier), 0)
	var teamBytes []byte
	if d.TeamID != "" {
		teamBytes = append([]byte(d.TeamID), 0)
	}

	identOffset := fixedHeaderSize
	teamOffset := 0
	next := identOffset + len(identBytes)
	if teamBytes != nil {
		teamOffset = next
		next += len(teamBytes)
	}

	hashSize := int(d.HashSize)
	hashOffset := next + len(d.SpecialSlots)*hashSize
	total := hashOffset + len(d.CodeSlots)*hashSize

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(blob.MagicCodeDirectory))
	binary.BigEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint32(out[8:12], d.Version)
	binary.BigEndian.PutUint32(out[12:16], d.Flags)
	binary.BigEndian.PutUint32(out[16:20], uint32(hashOffset))
	binary.BigEndian.PutUint32(out[20:24], uint32(identOffset))
	binary.BigEndian.PutUint32(out[24:28], uint32(len(d.SpecialSlots)))
	binary.BigEndian.PutUint32(out[28:32], uint32(len(d.CodeSlots)))
	binary.BigEndian.PutUint32(out[32:36], uint32(d.CodeLimit))
	out[36] = d.HashSize
	out[37] = byte(d.HashType)
	out[38] = 0 // platform
	out[39] = byte(d.PageSize)
	binary.BigEndian.PutUint32(out[40:44], 0) // spare2
	o := 44
	binary.BigEndian.PutUint32(out[o:o+4], 0) // scatterOffset, unused by this builder
	o += 4
	binary.BigEndian.PutUint32(out[o:o+4], uint32(teamOffset))
	o += 4
	binary.BigEndian.PutUint32(out[o:o+4], 0) // spare3
	o += 4
	binary.BigEndian.PutUint64(out[o:o+8], d.CodeLimit)
	o += 8
	binary.BigEndian.PutUint64(out[o:o+8], d.ExecSegBase)
	o += 8
	binary.BigEndian.PutUint64(out[o:o+8], d.ExecSegLimit)
	o += 8
	binary.BigEndian.PutUint64(out[o:o+8], d.ExecSegFlags)

	copy(out[identOffset:], identBytes)
	if teamBytes != nil {
		copy(out[teamOffset:], teamBytes)
	}
	// d.SpecialSlots is in slot()'s logical order (index 0 == slot -1);
	// the file stores them in the opposite order, slot -1 nearest
	// hashOffset, so walk the slice back to front.
	pos := hashOffset - len(d.SpecialSlots)*hashSize
	for i := len(d.SpecialSlots) - 1; i >= 0; i-- {
		copy(out[pos:], d.SpecialSlots[i])
		pos += hashSize
	}
	pos = hashOffset
	for _, s := range d.CodeSlots {
		copy(out[pos:], s)
		pos += hashSize
	}
	return out, nil
}
