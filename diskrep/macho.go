package diskrep

import (
	"crypto/sha1"
	"os"

	macho "github.com/blacktop/go-codesign"
	"github.com/blacktop/go-codesign/blob"
)

// MachORep is the DiskRep for a single-architecture Mach-O executable:
// signature bytes live in the LC_CODE_SIGNATURE load command at the tail
// of the file. Grounded on original_source's lib/machorep.cpp.
type MachORep struct {
	path string
	raw  []byte
	file *macho.File
}

func newMachORep(path string, ctx *Context) (*MachORep, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	return &MachORep{path: path, raw: raw, file: f}, nil
}

func (m *MachORep) signatureBytes() []byte {
	cs := m.file.CodeSignature()
	if cs == nil {
		return nil
	}
	end := int(cs.Offset) + int(cs.Size)
	if end > len(m.raw) {
		return nil
	}
	return m.raw[cs.Offset:end]
}

// Component parses the embedded SuperBlob and returns the sub-blob at
// slot, mirroring MachODiskRep::component.
func (m *MachORep) Component(slot int) ([]byte, bool) {
	data := m.signatureBytes()
	if data == nil {
		return nil, false
	}
	sb, err := blob.ParseSuperBlob(data)
	if err != nil {
		return nil, false
	}
	found := sb.Find(blob.SlotType(slot))
	return found, found != nil
}

// Identification returns the Mach-O UUID, falling back to a SHA-1 of the
// Mach-O header and load-command area when the image carries none, mirroring
// MachODiskRep::identification's "content-derived identifier" contract.
func (m *MachORep) Identification() []byte {
	if u := m.file.UUID(); u != nil {
		return []byte(u.ID)
	}
	end := int(m.file.HdrSize()) + int(m.file.SizeCommands)
	if end > len(m.raw) {
		end = len(m.raw)
	}
	sum := sha1.Sum(m.raw[:end])
	return sum[:]
}

func (m *MachORep) MainExecutablePath() string { return m.path }
func (m *MachORep) CanonicalPath() string      { return m.path }
func (m *MachORep) ResourcesRootPath() string  { return "" }

// SigningBase is always 0 for a single-architecture Mach-O: the signed
// range starts at the file's own first byte.
func (m *MachORep) SigningBase() int64 { return 0 }

// SigningLimit is the offset of the signature's LC_CODE_SIGNATURE
// payload if present, else the whole file length — the code is signed up
// to (but excluding) its own signature blob.
func (m *MachORep) SigningLimit() int64 {
	if cs := m.file.CodeSignature(); cs != nil {
		return int64(cs.Offset)
	}
	return int64(len(m.raw))
}

func (m *MachORep) PageSize() uint32 { return segmentedPageSize }

func (m *MachORep) Format() string { return "Mach-O" }

func (m *MachORep) RecommendedIdentifier() string {
	return canonicalIdentifier(m.path)
}

func (m *MachORep) Flush() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	m.raw = raw
	f, err := macho.Open(m.path)
	if err != nil {
		return err
	}
	m.file = f
	return nil
}

// File exposes the parsed Mach-O image for callers (the signer package's
// MachOEditor) that need load-command-level access beyond the DiskRep
// interface.
func (m *MachORep) File() *macho.File { return m.file }

// Raw exposes the whole file's bytes for hashing by codedirectory.Builder.
func (m *MachORep) Raw() []byte { return m.raw }
