// Package staticcode implements static verification of an already-signed
// DiskRep: directory integrity, CMS signature validation, executable page
// re-hashing, resource-seal comparison, and requirement evaluation,
// mirroring spec §4.7's "StaticCode" operations.
//
// Grounded on original_source's lib/StaticCode.cpp (SecStaticCode's
// validateDirectory / validateNonResourceComponents / verifySignature /
// validateComponent / validateExecutable / validateResources /
// designatedRequirement / validateRequirement), re-expressed against this
// module's blob, codedirectory, requirement, resources and cms packages
// instead of CoreFoundation and Security.framework's SecTrust.
package staticcode

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"os"
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

// StaticCode is the verification-side counterpart of signer.Sign: it
// reads back a DiskRep's already-embedded or detached signature and
// checks it against spec §4.7's invariants. Results are cached per
// instance the way SecStaticCode caches its validation state; call
// InvalidateCache to force everything to be recomputed, mirroring
// SecStaticCode::resetValidity.
type StaticCode struct {
	rep      diskrep.DiskRep
	verifier cms.Verifier

	directoryLoaded bool
	directory       *codedirectory.Directory
	directoryErr    error

	signatureValidated bool
	signatureErr       error
	certChain          []*x509.Certificate
	signingTime        time.Time
	expired            bool

	requirementsLoaded bool
	requirements       requirement.Set
	requirementsErr    error

	infoLoaded bool
	infoDict   map[string]any
	infoErr    error

	entitlementsLoaded bool
	entitlements       map[string]any
	entitlementsErr    error

	executableValidated bool
	executableErr       error

	resourcesValidated bool
	resourcesErr       error
}

// New wraps rep for static verification. A nil verifier selects
// cms.AdHoc, which only accepts an empty (ad-hoc) signature slot.
func New(rep diskrep.DiskRep, verifier cms.Verifier) *StaticCode {
	if verifier == nil {
		verifier = cms.AdHoc{}
	}
	return &StaticCode{rep: rep, verifier: verifier}
}

// InvalidateCache discards every cached validation result, forcing the
// next call of each accessor to re-derive it from rep. Mirrors
// SecStaticCode::resetValidity, called whenever the underlying DiskRep's
// backing storage may have changed since the last check.
func (s *StaticCode) InvalidateCache() {
	*s = StaticCode{rep: s.rep, verifier: s.verifier}
}

// specialSlot converts blob's positive SuperBlob slot numbering into
// codedirectory's negative special-slot convention. blob.SlotInfoSlot
// (1) through blob.SlotEntitlementsDER (7) address the same special
// slots codedirectory.Directory.slot addresses as -1 through -7; code
// slots (the paged executable hashes) stay non-negative and need no
// conversion.
func specialSlot(typ blob.SlotType) int {
	return -int(typ)
}

func (s *StaticCode) loadDirectory() error {
	if s.directoryLoaded {
		return s.directoryErr
	}
	s.directoryLoaded = true

	data, ok := s.rep.Component(int(blob.SlotCodeDirectory))
	if !ok {
		s.directoryErr = cserr.New(cserr.Unsigned, nil)
		return s.directoryErr
	}
	d, err := codedirectory.Parse(data)
	if err != nil {
		s.directoryErr = err
		return err
	}
	if err := d.CheckIntegrity(); err != nil {
		s.directoryErr = err
		return err
	}
	s.directory = d
	return nil
}

// Directory returns the parsed CodeDirectory, loading and integrity
// checking it on first use.
func (s *StaticCode) Directory() (*codedirectory.Directory, error) {
	if err := s.loadDirectory(); err != nil {
		return nil, err
	}
	return s.directory, nil
}

// CDHash reports the cdhash of the code's CodeDirectory.
func (s *StaticCode) CDHash() ([sha1.Size]byte, error) {
	d, err := s.Directory()
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return d.CDHash(), nil
}

func (s *StaticCode) flag(bit uint32) bool {
	if s.directory == nil {
		return false
	}
	return s.directory.Flags&bit != 0
}

// ValidateDirectory loads the CodeDirectory and validates its CMS
// signature, mirroring SecStaticCode::validateDirectory plus the
// verifySignature half of validateNonResourceComponents. An ad-hoc
// CodeDirectory (no signature slot, or the verifier's ad-hoc null check)
// is valid by definition, matching spec glossary's "ad-hoc ... verifiable
// only against its cdhash".
func (s *StaticCode) ValidateDirectory() error {
	if s.signatureValidated {
		return s.signatureErr
	}
	s.signatureValidated = true

	if err := s.loadDirectory(); err != nil {
		s.signatureErr = err
		return err
	}

	wrapped, hasSig := s.rep.Component(int(blob.SlotSignatureSlot))
	var cmsBlob []byte
	if hasSig && len(wrapped) > 0 {
		unwrapped, err := blob.Unwrap(blob.MagicBlobWrapper, wrapped)
		if err != nil {
			s.signatureErr = err
			return err
		}
		cmsBlob = unwrapped
	}

	result, err := s.verifier.Verify(s.directory.Raw, cmsBlob)
	if err != nil {
		// Spec §4.7's expired-certificate case, handled without a second
		// Verify call: an error whose result reports Expired is accepted
		// when there is no trusted timestamp to anchor validity to the
		// signing time instead of to now; a trusted timestamp present
		// means expiration is a real failure.
		if !result.Expired || result.Timestamp != nil {
			s.signatureErr = err
			return err
		}
	}
	s.certChain = result.CertChain
	s.signingTime = result.SigningTime
	s.expired = result.Expired
	return nil
}

// CertificateChain returns the signing certificate chain established by
// the last successful ValidateDirectory (leaf first), or nil for an
// ad-hoc signature.
func (s *StaticCode) CertificateChain() ([]*x509.Certificate, error) {
	if err := s.ValidateDirectory(); err != nil {
		return nil, err
	}
	return s.certChain, nil
}

// SigningTime returns the CMS signing time established by the last
// successful ValidateDirectory.
func (s *StaticCode) SigningTime() (time.Time, error) {
	if err := s.ValidateDirectory(); err != nil {
		return time.Time{}, err
	}
	return s.signingTime, nil
}

// ValidateComponent checks a single special-slot component (entitlements,
// requirements, resource directory, Info.plist, ...) against its
// CodeDirectory digest, mirroring SecStaticCode::validateComponent. slot
// is a blob.SlotType value (e.g. blob.SlotInfoSlot).
func (s *StaticCode) ValidateComponent(slot blob.SlotType) ([]byte, error) {
	if err := s.loadDirectory(); err != nil {
		return nil, err
	}
	data, present := s.rep.Component(int(slot))
	cdSlot := specialSlot(slot)
	if !s.directory.SlotIsPresent(cdSlot) {
		if present && len(data) > 0 {
			return nil, cserr.Newf(cserr.SignatureInvalid, "staticcode: component %s present on disk but not sealed", slot)
		}
		return nil, nil
	}
	if !present {
		return nil, cserr.Newf(cserr.SignatureInvalid, "staticcode: component %s sealed but missing", slot)
	}
	if !s.directory.ValidateSlot(data, cdSlot) {
		return nil, cserr.Newf(cserr.SignatureInvalid, "staticcode: component %s digest mismatch", slot)
	}
	return data, nil
}

// Requirements lazily decodes and validates the embedded Requirements
// set (blob.SlotRequirements) against its CodeDirectory digest.
func (s *StaticCode) Requirements() (requirement.Set, error) {
	if s.requirementsLoaded {
		return s.requirements, s.requirementsErr
	}
	s.requirementsLoaded = true

	data, err := s.ValidateComponent(blob.SlotRequirements)
	if err != nil {
		s.requirementsErr = err
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	set, err := requirement.ParseSetBlob(data)
	if err != nil {
		s.requirementsErr = err
		return nil, err
	}
	s.requirements = set
	return set, nil
}

// InfoDictionary lazily decodes the sealed Info.plist special slot (the
// bundle's own Info.plist, re-validated against the CodeDirectory rather
// than trusted from disk directly), mirroring
// SecStaticCode::infoDictionary.
func (s *StaticCode) InfoDictionary() (map[string]any, error) {
	if s.infoLoaded {
		return s.infoDict, s.infoErr
	}
	s.infoLoaded = true

	data, err := s.ValidateComponent(blob.SlotInfoSlot)
	if err != nil {
		s.infoErr = err
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	dict := map[string]any{}
	dec, err := plist.NewDecoder(data)
	if err != nil {
		s.infoErr = cserr.New(cserr.ResourcesInvalid, err)
		return nil, s.infoErr
	}
	if err := dec.Decode(&dict); err != nil {
		s.infoErr = cserr.New(cserr.ResourcesInvalid, err)
		return nil, s.infoErr
	}
	s.infoDict = dict
	return dict, nil
}

// Entitlements lazily decodes the sealed entitlements special slot.
func (s *StaticCode) Entitlements() (map[string]any, error) {
	if s.entitlementsLoaded {
		return s.entitlements, s.entitlementsErr
	}
	s.entitlementsLoaded = true

	data, err := s.ValidateComponent(blob.SlotEntitlements)
	if err != nil {
		s.entitlementsErr = err
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	dict := map[string]any{}
	dec, err := plist.NewDecoder(data)
	if err != nil {
		s.entitlementsErr = cserr.New(cserr.ResourcesInvalid, err)
		return nil, s.entitlementsErr
	}
	if err := dec.Decode(&dict); err != nil {
		s.entitlementsErr = cserr.New(cserr.ResourcesInvalid, err)
		return nil, s.entitlementsErr
	}
	s.entitlements = dict
	return dict, nil
}

// ValidateExecutable re-hashes the signed range of the main executable
// page by page and checks each page against the CodeDirectory's code
// slots, mirroring SecStaticCode::validateExecutable.
func (s *StaticCode) ValidateExecutable() error {
	if s.executableValidated {
		return s.executableErr
	}
	s.executableValidated = true

	if err := s.loadDirectory(); err != nil {
		s.executableErr = err
		return err
	}

	raw, err := os.ReadFile(s.rep.MainExecutablePath())
	if err != nil {
		s.executableErr = cserr.New(cserr.InvalidObjectRef, err)
		return s.executableErr
	}

	base := s.rep.SigningBase()
	limit := s.rep.SigningLimit()
	if limit == 0 {
		limit = int64(len(raw))
	}
	if base < 0 || limit < base || limit > int64(len(raw)) {
		s.executableErr = cserr.Newf(cserr.SignatureInvalid, "staticcode: signed range [%d,%d) outside %d-byte file", base, limit, len(raw))
		return s.executableErr
	}
	codeSize := limit - base
	if uint64(codeSize) != s.directory.CodeLimit {
		s.executableErr = cserr.Newf(cserr.SignatureInvalid, "staticcode: signed range is %d bytes, CodeDirectory covers %d", codeSize, s.directory.CodeLimit)
		return s.executableErr
	}

	pageSize := int64(s.directory.PageSize.Bytes())
	region := raw[base:limit]
	var nSlots int64
	switch {
	case codeSize == 0:
		nSlots = 0
	case pageSize == 0:
		nSlots = 1
	default:
		nSlots = (codeSize + pageSize - 1) / pageSize
	}
	if int(nSlots) != len(s.directory.CodeSlots) {
		s.executableErr = cserr.Newf(cserr.SignatureInvalid, "staticcode: expected %d code slots, CodeDirectory has %d", nSlots, len(s.directory.CodeSlots))
		return s.executableErr
	}

	for i := int64(0); i < nSlots; i++ {
		start := i * pageSize
		end := start + pageSize
		if pageSize == 0 || end > int64(len(region)) {
			end = int64(len(region))
		}
		if !s.directory.ValidateSlot(region[start:end], int(i)) {
			s.executableErr = cserr.Newf(cserr.SignatureInvalid, "staticcode: code page %d digest mismatch", i)
			return s.executableErr
		}
	}
	return nil
}

// ValidateResources compares the bundle's on-disk resource tree against
// the sealed CodeResources manifest, mirroring
// SecStaticCode::validateResources. DiskReps with no resource tree (a
// bare Mach-O or flat file) are vacuously valid.
func (s *StaticCode) ValidateResources() error {
	if s.resourcesValidated {
		return s.resourcesErr
	}
	s.resourcesValidated = true

	root := s.rep.ResourcesRootPath()
	if root == "" {
		return nil
	}

	data, err := s.ValidateComponent(blob.SlotResourceDir)
	if err != nil {
		s.resourcesErr = err
		return err
	}
	if data == nil {
		s.resourcesErr = cserr.New(cserr.ResourcesNotSealed, nil)
		return s.resourcesErr
	}

	seal, err := decodeSeal(data)
	if err != nil {
		s.resourcesErr = cserr.New(cserr.ResourcesInvalid, err)
		return s.resourcesErr
	}

	rules, err := resources.RulesFromMap(seal.Rules)
	if err != nil {
		s.resourcesErr = cserr.New(cserr.ResourcesInvalid, err)
		return s.resourcesErr
	}
	b := &resources.Builder{Root: root, Rules: rules, HashType: resources.HashSHA256}
	diff, err := b.Compare(context.TODO(), seal)
	if err != nil {
		s.resourcesErr = err
		return err
	}
	if !diff.Empty() {
		s.resourcesErr = cserr.New(cserr.ResourcesInvalid, nil).
			WithDetail("added", diff.Added).
			WithDetail("missing", diff.Missing).
			WithDetail("altered", diff.Altered)
		return s.resourcesErr
	}
	return nil
}

// decodeSeal parses a CodeResources property list back into a
// resources.Seal, the inverse of Seal.Bytes: data[path] is either a bare
// hash or a {hash, optional} dictionary.
func decodeSeal(data []byte) (*resources.Seal, error) {
	var root map[string]any
	dec, err := plist.NewDecoder(data)
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}

	seal := &resources.Seal{Files: map[string]resources.FileSeal{}}
	if rules, ok := root["rules"].(map[string]any); ok {
		seal.Rules = rules
	}
	files, _ := root["files"].(map[string]any)
	for path, v := range files {
		switch t := v.(type) {
		case []byte:
			seal.Files[path] = resources.FileSeal{Hash: t}
		case map[string]any:
			hash, _ := t["hash"].([]byte)
			optional, _ := t["optional"].(bool)
			seal.Files[path] = resources.FileSeal{Hash: hash, Optional: optional}
		}
	}
	return seal, nil
}

// DesignatedRequirement returns the code's designated requirement: an
// explicit one from the Requirements set if present, else a default
// synthesized from the signing certificate chain (or, for an ad-hoc
// signature, a bare cdhash check), mirroring
// SecStaticCode::designatedRequirement / defaultDesignatedRequirement.
func (s *StaticCode) DesignatedRequirement() (*requirement.Requirement, error) {
	reqs, err := s.Requirements()
	if err != nil {
		return nil, err
	}
	if dr, ok := reqs[requirement.DesignatedRequirementType]; ok {
		return dr, nil
	}

	if err := s.ValidateDirectory(); err != nil {
		return nil, err
	}
	if s.flag(codedirectory.FlagAdhoc) || len(s.certChain) == 0 {
		digest := s.directory.CDHash()
		return &requirement.Requirement{
			Kind: requirement.ExprForm,
			Expr: requirement.CDHash{Digest: digest[:]},
		}, nil
	}
	return designated.Synthesize(s.certChain, s.directory.Identifier)
}

// ValidateRequirement evaluates the named internal requirement type (if
// present in the Requirements set) against this code's current state,
// mirroring SecStaticCode::validateRequirement. An absent requirement of
// the given type is vacuously satisfied, matching
// SecStaticCode::internalRequirement's "no such requirement => success"
// contract for every type but the designated requirement.
func (s *StaticCode) ValidateRequirement(rtype requirement.RequirementType) error {
	reqs, err := s.Requirements()
	if err != nil {
		return err
	}
	req, ok := reqs[rtype]
	if !ok {
		if rtype == requirement.DesignatedRequirementType {
			req, err = s.DesignatedRequirement()
			if err != nil {
				return err
			}
		} else {
			return nil
		}
	}
	return s.SatisfiesRequirement(req)
}

// SatisfiesRequirement evaluates req against this code's certificate
// chain, Info.plist, entitlements and identifier, mirroring
// SecStaticCode::satisfiesRequirement / validateRequirement's Eval call.
func (s *StaticCode) SatisfiesRequirement(req *requirement.Requirement) error {
	if err := s.ValidateDirectory(); err != nil {
		return err
	}
	info, err := s.InfoDictionary()
	if err != nil {
		return err
	}
	ent, err := s.Entitlements()
	if err != nil {
		return err
	}

	ctx := &requirement.Context{
		Certs:         s.certChain,
		Info:          info,
		Entitlements:  ent,
		Identifier:    s.directory.Identifier,
		CodeDirectory: s.directory.Raw,
	}
	ok, err := requirement.Eval(req.Expr, ctx)
	if err != nil {
		return cserr.New(cserr.ReqFailed, err)
	}
	if !ok {
		return cserr.New(cserr.ReqFailed, nil)
	}
	return nil
}

// ValidateAll runs every static check spec §4.7 names, short-circuiting
// on the first failure: directory signature, non-resource components
// (requirements, entitlements, Info.plist), the executable's pages, the
// resource tree, and finally the designated requirement.
func (s *StaticCode) ValidateAll() error {
	if err := s.ValidateDirectory(); err != nil {
		return err
	}
	if _, err := s.Requirements(); err != nil {
		return err
	}
	if _, err := s.Entitlements(); err != nil {
		return err
	}
	if _, err := s.InfoDictionary(); err != nil {
		return err
	}
	if err := s.ValidateExecutable(); err != nil {
		return err
	}
	if err := s.ValidateResources(); err != nil {
		return err
	}
	return s.ValidateRequirement(requirement.DesignatedRequirementType)
}
