package diskrep

import (
	"os"
	"path/filepath"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/cserr"
	"github.com/blacktop/go-codesign/plist"
)

// BundleRep is the DiskRep for a directory-based bundle: Contents/Info.plist
// names the main executable (delegated to an inner MachORep when one
// exists), and non-executable components plus the resource seal live
// under _CodeSignature/. Grounded on original_source's
// lib/bundlediskrep.cpp.
type BundleRep struct {
	root        string
	contentsDir string
	infoPlist   map[string]any
	exec        *MachORep // nil for non-Mach-O bundles (e.g. installer packages)
}

const codeSignatureDir = "_CodeSignature"
const codeResourcesName = "CodeResources"

func newBundleRep(root string, ctx *Context) (*BundleRep, error) {
	contentsDir := filepath.Join(root, "Contents")
	if _, err := os.Stat(contentsDir); err != nil {
		contentsDir = root // flat bundle layout (no Contents/ wrapper)
	}

	info := map[string]any{}
	infoPath := filepath.Join(contentsDir, "Info.plist")
	if data, err := os.ReadFile(infoPath); err == nil {
		dec, derr := plist.NewDecoder(data)
		if derr != nil {
			return nil, cserr.New(cserr.ResourcesInvalid, derr).WithDetail("path", infoPath)
		}
		if derr := dec.Decode(&info); derr != nil {
			return nil, cserr.New(cserr.ResourcesInvalid, derr).WithDetail("path", infoPath)
		}
	}

	b := &BundleRep{root: root, contentsDir: contentsDir, infoPlist: info}

	execName, _ := info["CFBundleExecutable"].(string)
	if execName != "" {
		execPath := filepath.Join(contentsDir, "MacOS", execName)
		if _, err := os.Stat(execPath); err == nil {
			rep, err := newMachORep(execPath, ctx)
			if err == nil {
				b.exec = rep
			}
		}
	}
	return b, nil
}

// Component looks first in _CodeSignature/ for the resource directory
// slot (the only slot read from there), falling back to the inner
// Mach-O representation for everything else, mirroring
// BundleDiskRep::component's "defer to mExecRep" behavior.
func (b *BundleRep) Component(slot int) ([]byte, bool) {
	if slot == int(blob.SlotResourceDir) {
		data, err := os.ReadFile(filepath.Join(b.contentsDir, codeSignatureDir, codeResourcesName))
		if err == nil {
			return data, true
		}
	}
	if b.exec != nil {
		return b.exec.Component(slot)
	}
	return nil, false
}

func (b *BundleRep) Identification() []byte {
	if b.exec != nil {
		return b.exec.Identification()
	}
	return []byte(b.root)
}

func (b *BundleRep) MainExecutablePath() string {
	if b.exec != nil {
		return b.exec.MainExecutablePath()
	}
	return b.root
}

func (b *BundleRep) CanonicalPath() string { return b.root }

func (b *BundleRep) ResourcesRootPath() string { return b.contentsDir }

func (b *BundleRep) SigningBase() int64 {
	if b.exec != nil {
		return b.exec.SigningBase()
	}
	return 0
}

func (b *BundleRep) SigningLimit() int64 {
	if b.exec != nil {
		return b.exec.SigningLimit()
	}
	return 0
}

func (b *BundleRep) PageSize() uint32 {
	if b.exec != nil {
		return b.exec.PageSize()
	}
	return monolithicPageSize
}

func (b *BundleRep) Format() string { return "bundle" }

// RecommendedIdentifier prefers CFBundleIdentifier over the basename
// fallback, per DiskRep::recommendedIdentifier's ordering in spec §4.6.
func (b *BundleRep) RecommendedIdentifier() string {
	if id, ok := b.infoPlist["CFBundleIdentifier"].(string); ok && id != "" {
		return id
	}
	return canonicalIdentifier(b.root)
}

func (b *BundleRep) Flush() error {
	if b.exec != nil {
		return b.exec.Flush()
	}
	return nil
}

// InfoPlist exposes the decoded Info.plist dictionary for the signer
// pipeline's identifier-resolution and entitlement defaults.
func (b *BundleRep) InfoPlist() map[string]any { return b.infoPlist }

// MainExecutable exposes the inner Mach-O representation, or nil for
// non-Mach-O bundles (installer packages and the like).
func (b *BundleRep) MainExecutable() *MachORep { return b.exec }

// CodeResourcesPath is where the resource seal's serialized property
// list belongs on disk, mirroring BundleDiskRep's use of
// _CodeSignature/CodeResources as the seal's backing file.
func (b *BundleRep) CodeResourcesPath() string {
	return filepath.Join(b.contentsDir, codeSignatureDir, codeResourcesName)
}
