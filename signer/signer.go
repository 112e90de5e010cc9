package signer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/cms"
	"github.com/blacktop/go-codesign/codedirectory"
	"github.com/blacktop/go-codesign/cserr"
	"github.com/blacktop/go-codesign/designated"
	"github.com/blacktop/go-codesign/diskrep"
	"github.com/blacktop/go-codesign/plist"
	"github.com/blacktop/go-codesign/requirement"
	"github.com/blacktop/go-codesign/resources"
)

// writerProvider is implemented only by diskrep.FileRep: the flat-file
// representation stores each signature component as its own extended
// attribute rather than a single embedded SuperBlob, so it needs a
// write path Mach-O and bundle signing don't.
type writerProvider interface {
	Writer() diskrep.Writer
}

// Sign runs spec §4.6's pipeline against rep: resolve the identifier,
// seal resources, build a CodeDirectory, resolve requirements (including
// designated-requirement synthesis), sign the directory, assemble the
// signature, and commit it back to rep's backing storage.
func Sign(rep diskrep.DiskRep, cfg Config) (*Result, error) {
	if cfg.Remove {
		return remove(rep)
	}

	identifier := resolveIdentifier(rep, cfg)

	seal, err := sealResources(rep, cfg)
	if err != nil {
		return nil, err
	}

	reqs := cloneRequirements(cfg.Requirements)
	if _, ok := reqs[requirement.DesignatedRequirementType]; !ok {
		if cp, ok := cfg.identity().(cms.CertificateProvider); ok {
			if chain := cp.CertificateChain(); len(chain) > 0 {
				if dr, err := designated.Synthesize(chain, identifier); err == nil {
					reqs[requirement.DesignatedRequirementType] = dr
				}
			}
		}
	}

	execPath := rep.MainExecutablePath()
	raw, err := os.ReadFile(execPath)
	if err != nil {
		return nil, cserr.New(cserr.InvalidObjectRef, err)
	}

	codeSize := rep.SigningLimit() - rep.SigningBase()
	if codeSize < 0 || codeSize > int64(len(raw)) {
		return nil, cserr.Newf(cserr.BadResource, "signer: signing range [%d,%d) outside %d-byte file", rep.SigningBase(), rep.SigningLimit(), len(raw))
	}

	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = rep.PageSize()
	}

	cdFlags := cfg.CDFlags
	if _, ok := cfg.identity().(cms.AdHoc); ok {
		cdFlags |= codedirectory.FlagAdhoc
	}
	builder := &codedirectory.Builder{
		Identifier: identifier,
		HashType:   cfg.hashType(),
		PageSize:   pageSize,
		Flags:      cdFlags,
	}

	var infoPlistBytes, reqsBytes, sealBytes []byte
	if bundle, ok := rep.(*diskrep.BundleRep); ok {
		if info := bundle.InfoPlist(); len(info) > 0 {
			if b, err := plist.EncodeXML(info); err == nil {
				infoPlistBytes = b
				builder.SpecialSlot(int(blob.SlotInfoSlot), infoPlistBytes)
			}
		}
	}
	if len(reqs) > 0 {
		reqsBytes = reqs.Bytes()
		builder.SpecialSlot(int(blob.SlotRequirements), reqsBytes)
	}
	if seal != nil {
		sealBytes, err = seal.Bytes()
		if err != nil {
			return nil, cserr.New(cserr.ResourcesInvalid, err)
		}
		builder.SpecialSlot(int(blob.SlotResourceDir), sealBytes)
	}
	if len(cfg.Entitlements) > 0 {
		builder.SpecialSlot(int(blob.SlotEntitlements), cfg.Entitlements)
	}

	cd, err := builder.Build(bytes.NewReader(raw[rep.SigningBase():rep.SigningBase()+codeSize]), codeSize)
	if err != nil {
		return nil, err
	}

	signingTime, haveTime := cfg.signingTime()
	if !haveTime {
		signingTime = time.Time{}
	}
	cmsBlob, err := cfg.identity().Sign(cd.Raw, signingTime)
	if err != nil {
		return nil, cserr.New(cserr.SignatureFailed, err)
	}
	if cfg.CMSSizeEstimate > 0 && len(cmsBlob) > cfg.CMSSizeEstimate {
		return nil, cserr.Newf(cserr.CMSTooLarge, "signer: CMS blob (%d bytes) exceeds reserved estimate (%d bytes)", len(cmsBlob), cfg.CMSSizeEstimate)
	}

	sb := blob.NewSuperBlob(blob.MagicEmbeddedSignature)
	sb.Add(blob.SlotCodeDirectory, cd.Raw)
	if reqsBytes != nil {
		sb.Add(blob.SlotRequirements, reqsBytes)
	}
	if len(cfg.Entitlements) > 0 {
		sb.Add(blob.SlotEntitlements, cfg.Entitlements)
	}
	if len(cmsBlob) > 0 {
		sb.Add(blob.SlotSignatureSlot, blob.Wrap(blob.MagicBlobWrapper, cmsBlob))
	}
	final := sb.Bytes()

	cdHash := cd.CDHash()
	result := &Result{CDHash: cdHash, Directory: cd}

	if sealBytes != nil && !cfg.DryRun {
		if bundle, ok := rep.(*diskrep.BundleRep); ok {
			if err := os.MkdirAll(filepath.Dir(bundle.CodeResourcesPath()), 0o755); err != nil {
				return nil, cserr.New(cserr.ResourcesInvalid, err)
			}
			if err := os.WriteFile(bundle.CodeResourcesPath(), sealBytes, 0o644); err != nil {
				return nil, cserr.New(cserr.ResourcesInvalid, err)
			}
		}
	}

	if cfg.DetachedSink != nil {
		result.DetachedSignature = final
		if !cfg.DryRun {
			if _, err := cfg.DetachedSink.Write(final); err != nil {
				return nil, cserr.New(cserr.InternalError, err)
			}
		}
		return result, nil
	}

	switch rep.(type) {
	case *diskrep.MachORep:
		if err := embedInMachO(execPath, raw, final, cfg.DryRun); err != nil {
			return nil, err
		}
		result.EmbeddedSignature = final
	case *diskrep.BundleRep:
		b := rep.(*diskrep.BundleRep)
		if b.MainExecutable() != nil {
			if err := embedInMachO(execPath, raw, final, cfg.DryRun); err != nil {
				return nil, err
			}
			result.EmbeddedSignature = final
		}
	default:
		if wp, ok := rep.(writerProvider); ok && !cfg.DryRun {
			w := wp.Writer()
			if err := w.WriteComponent(int(blob.SlotCodeDirectory), cd.Raw); err != nil {
				return nil, cserr.New(cserr.InternalError, err)
			}
			if reqsBytes != nil {
				if err := w.WriteComponent(int(blob.SlotRequirements), reqsBytes); err != nil {
					return nil, cserr.New(cserr.InternalError, err)
				}
			}
			if len(cfg.Entitlements) > 0 {
				if err := w.WriteComponent(int(blob.SlotEntitlements), cfg.Entitlements); err != nil {
					return nil, cserr.New(cserr.InternalError, err)
				}
			}
			if len(cmsBlob) > 0 {
				if err := w.WriteComponent(int(blob.SlotSignatureSlot), cmsBlob); err != nil {
					return nil, cserr.New(cserr.InternalError, err)
				}
			}
			if err := w.Flush(); err != nil {
				return nil, cserr.New(cserr.InternalError, err)
			}
		}
		result.EmbeddedSignature = final
	}

	return result, rep.Flush()
}

// embedInMachO runs the allocate pass (resizing LC_CODE_SIGNATURE to fit
// sig) and writes the resulting image back to path.
func embedInMachO(path string, raw []byte, sig []byte, dryRun bool) error {
	editor := NewMachOEditor(raw)
	offset, err := editor.Allocate(len(sig))
	if err != nil {
		return err
	}
	out := editor.Bytes()
	copy(out[offset:], sig)
	if dryRun {
		return nil
	}
	info, err := os.Stat(path)
	mode := os.FileMode(0o755)
	if err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(path, out, mode)
}

// remove strips a representation's signature instead of creating one.
func remove(rep diskrep.DiskRep) (*Result, error) {
	switch r := rep.(type) {
	case *diskrep.MachORep:
		raw := r.Raw()
		editor := NewMachOEditor(raw)
		if _, err := editor.Allocate(0); err != nil {
			return nil, err
		}
		if err := os.WriteFile(r.MainExecutablePath(), editor.Bytes(), 0o755); err != nil {
			return nil, cserr.New(cserr.InternalError, err)
		}
		return &Result{Removed: true}, nil
	case *diskrep.BundleRep:
		if exec := r.MainExecutable(); exec != nil {
			editor := NewMachOEditor(exec.Raw())
			if _, err := editor.Allocate(0); err != nil {
				return nil, err
			}
			if err := os.WriteFile(exec.MainExecutablePath(), editor.Bytes(), 0o755); err != nil {
				return nil, cserr.New(cserr.InternalError, err)
			}
		}
		_ = os.Remove(r.CodeResourcesPath())
		return &Result{Removed: true}, nil
	default:
		if wp, ok := rep.(writerProvider); ok {
			if err := wp.Writer().Remove(); err != nil {
				return nil, cserr.New(cserr.InternalError, err)
			}
		}
		return &Result{Removed: true}, nil
	}
}

// resolveIdentifier applies spec §4.6's ordering: an explicit override
// wins, then the bundle's Info.plist identifier, then the DiskRep's own
// content-derived default; IdentifierPrefix is prepended only to that
// default (never to an explicit override) and only when it has no dot,
// mirroring signer.cpp's SecCodeSignerSetIdentifierPrefix contract
// (reverse-DNS identifiers already have one).
func resolveIdentifier(rep diskrep.DiskRep, cfg Config) string {
	identifier := cfg.Identifier
	if identifier == "" {
		identifier = rep.RecommendedIdentifier()
		if cfg.IdentifierPrefix != "" && !strings.Contains(identifier, ".") {
			identifier = cfg.IdentifierPrefix + identifier
		}
	}
	return identifier
}

func cloneRequirements(src requirement.Set) requirement.Set {
	dst := make(requirement.Set, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// sealResources builds a fresh resource seal for rep's resource tree, if
// it has one. FileRep and bare MachORep report an empty
// ResourcesRootPath and so never seal.
func sealResources(rep diskrep.DiskRep, cfg Config) (*resources.Seal, error) {
	root := rep.ResourcesRootPath()
	if root == "" {
		return nil, nil
	}
	rawRules := cfg.ResourceRules
	if rawRules == nil {
		rawRules = defaultResourceRules
	}
	rules, err := resources.RulesFromMap(rawRules)
	if err != nil {
		return nil, cserr.New(cserr.ResourcesInvalid, err)
	}
	b := &resources.Builder{
		Root:     root,
		Rules:    rules,
		RawRules: rawRules,
		HashType: resources.HashSHA256,
	}
	return b.Build(context.Background())
}

// defaultResourceRules mirrors the stock rule set every Apple bundle
// signs with absent an explicit ResourceRules override: seal everything
// except the bundle's own signing artifacts and top-level executable
// directory. The omit rules carry a weight above the "^.*" catch-all's
// default weight of 1 — bestRule picks the highest-weight matching rule,
// so an omit rule at the same or lower weight than the catch-all would
// never win and the path would be sealed instead of excluded.
var defaultResourceRules = map[string]any{
	"^.*":              true,
	"^_CodeSignature/": map[string]any{"omit": true, "weight": int64(1000)},
	"^MacOS/":          map[string]any{"omit": true, "weight": int64(1000)},
	"^Info\\.plist$":   map[string]any{"omit": true, "weight": int64(1000)},
}
