package diskrep

import (
	"fmt"
	"os"

	"github.com/blacktop/go-codesign/blob"
	"golang.org/x/sys/unix"
)

// FileRep is the fallback DiskRep for anything that is neither a Mach-O
// image nor a bundle directory: signature components are stored as
// extended attributes on the file itself, one per slot. Grounded on
// original_source's lib/filediskrep.cpp (FileDiskRep::attrName,
// FileDiskRep::getAttribute).
//
// original_source names attributes "com.apple.cs.<canonical slot name>"
// in the "com.apple.*" xattr namespace, which macOS's filesystem layer
// treats specially. Linux's xattr namespaces are enforced by the kernel
// (unprivileged processes may only set "user.*"), so this uses
// "user.com.apple.cs.<slot>" — a deliberate, documented deviation rather
// than a dropped feature; see DESIGN.md.
type FileRep struct {
	path string
}

func newFileRep(path string) (*FileRep, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &FileRep{path: path}, nil
}

func attrName(slot int) string {
	return fmt.Sprintf("user.com.apple.cs.%s", blob.SlotType(slot))
}

func (f *FileRep) Component(slot int) ([]byte, bool) {
	name := attrName(slot)
	size, err := unix.Getxattr(f.path, name, nil)
	if err != nil || size <= 0 {
		return nil, false
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(f.path, name, buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func (f *FileRep) Identification() []byte {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("%s:%d:%d", f.path, info.Size(), info.ModTime().UnixNano()))
}

func (f *FileRep) MainExecutablePath() string { return f.path }
func (f *FileRep) CanonicalPath() string      { return f.path }
func (f *FileRep) ResourcesRootPath() string  { return "" }
func (f *FileRep) SigningBase() int64         { return 0 }

func (f *FileRep) SigningLimit() int64 {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (f *FileRep) PageSize() uint32 { return monolithicPageSize }

func (f *FileRep) Format() string { return "file" }

func (f *FileRep) RecommendedIdentifier() string {
	return canonicalIdentifier(f.path)
}

func (f *FileRep) Flush() error { return nil }

// fileWriter implements Writer by setting/removing extended attributes
// on the backing file, mirroring FileDiskRep's Writer.
type fileWriter struct {
	path string
}

// Writer returns a Writer that stores components as extended attributes.
func (f *FileRep) Writer() Writer { return &fileWriter{path: f.path} }

func (w *fileWriter) WriteComponent(slot int, data []byte) error {
	return unix.Setxattr(w.path, attrName(slot), data, 0)
}

func (w *fileWriter) Remove() error {
	for slot := 0; slot <= int(blob.SlotEntitlementsDER); slot++ {
		_ = unix.Removexattr(w.path, attrName(slot))
	}
	_ = unix.Removexattr(w.path, attrName(int(blob.SlotSignatureSlot)))
	return nil
}

func (w *fileWriter) Flush() error { return nil }
