// Package diskrep is the polymorphic on-disk-layout abstraction: signing
// and verification operate uniformly over a DiskRep instead of switching
// on file type everywhere. Grounded on original_source's lib/diskrep.h /
// lib/diskrep.cpp (DiskRep, DiskRep::bestGuess) and lib/machorep.cpp,
// lib/bundlediskrep.cpp, lib/filediskrep.cpp for the three concrete
// variants; the Mach-O reading itself reuses this module's own root
// package (github.com/blacktop/go-codesign) rather than CoreFoundation's
// Universal/Architecture wrapper.
package diskrep

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-codesign/codedirectory"
	"github.com/blacktop/go-codesign/cserr"
)

// Context carries optional hints for choosing and constructing a DiskRep,
// mirroring DiskRep::Context.
type Context struct {
	Arch     string // explicit architecture selector for universal binaries
	Version  string
	Offset   int64
	FileOnly bool // restrict bestGuess to non-bundle representations
}

// DiskRep abstracts over where a piece of code's signing-relevant bytes
// physically live. Every method mirrors a DiskRep virtual in
// original_source's lib/diskrep.h.
type DiskRep interface {
	// Component returns the raw bytes of a signature sub-blob, or false
	// if the slot is absent.
	Component(slot int) ([]byte, bool)
	// Identification returns a content-derived identifier independent of
	// any signature (e.g. Mach-O LC_UUID, or a content hash).
	Identification() []byte
	MainExecutablePath() string
	CanonicalPath() string
	ResourcesRootPath() string // "" if this representation has no resource tree
	SigningBase() int64
	SigningLimit() int64
	PageSize() uint32
	Format() string
	RecommendedIdentifier() string
	Flush() error
}

// Writer stores signature components back into a DiskRep's backing
// storage, mirroring DiskRep::Writer.
type Writer interface {
	WriteComponent(slot int, data []byte) error
	Remove() error
	Flush() error
}

// segmentedPageSize and monolithicPageSize mirror
// DiskRep::segmentedPageSize / DiskRep::monolithicPageSize: Mach-O code
// is paged during hashing, everything else is hashed as one block.
const (
	segmentedPageSize uint32 = 4096
	monolithicPageSize uint32 = 0
)

// BestGuess implements DiskRep::bestGuess's heuristic: directories become
// bundles, Mach-O-looking files become a Mach-O rep, everything else
// falls back to a flat-file rep with extended-attribute storage.
func BestGuess(path string, ctx *Context) (DiskRep, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		if ctx.FileOnly {
			return nil, cserr.Newf(cserr.InvalidObjectRef, "diskrep: %s is a directory, but a file-only representation was requested", path)
		}
		return newBundleRep(path, ctx)
	}
	if looksLikeMachO(path) {
		return newMachORep(path, ctx)
	}
	return newFileRep(path)
}

func looksLikeMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	switch string(magic[:]) {
	case "\xfe\xed\xfa\xce", "\xce\xfa\xed\xfe", // MH_MAGIC / cigam (32-bit)
		"\xfe\xed\xfa\xcf", "\xcf\xfa\xed\xfe", // MH_MAGIC_64 / cigam_64
		"\xca\xfe\xba\xbe", "\xbe\xba\xfe\xca": // FAT_MAGIC / cigam
		return true
	}
	return false
}

// canonicalIdentifier derives a signing identifier from a bare filename
// by stripping one trailing extension, per DiskRep::canonicalIdentifier.
func canonicalIdentifier(name string) string {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func defaultHashAlgorithm() codedirectory.HashType {
	return codedirectory.HashSHA256
}
