// Package cms treats CMS (PKCS#7) as the opaque external primitive spec
// §1 and §9 require: "sign these bytes; verify this CMS blob against
// this detached content". This module never reimplements PKCS#7; no CMS
// library appears anywhere in the retrieved example corpus with working
// source to ground a real dependency against, so Signer and Verifier are
// interfaces a caller supplies, with AdHoc — grounded directly on
// github.com/blacktop/go-codesign's pkg/codesign/types.Sign/AdHocSign ad-hoc
// (zero-length signature) path — as the only implementation this module
// provides itself.
package cms

import (
	"crypto/x509"
	"time"

	"github.com/blacktop/go-codesign/cserr"
)

// Signer produces a CMS signature over detached content (the serialized
// CodeDirectory bytes). A null Signer (AdHoc) signs nothing and returns a
// zero-length blob, matching spec §6 "signer identity ... explicit null
// sentinel = ad-hoc".
type Signer interface {
	Sign(content []byte, signingTime time.Time) (cms []byte, err error)
}

// CertificateProvider is an optional capability a Signer identity may
// implement so the signer package can synthesize a default Designated
// Requirement (spec §4.8) from the same chain that will sign the
// CodeDirectory. AdHoc does not implement it: an ad-hoc identity has no
// chain to derive a requirement from, matching drmaker.cpp's "can't make
// an explicit DR" case for unsigned code.
type CertificateProvider interface {
	CertificateChain() []*x509.Certificate
}

// VerifyResult is what a Verifier reports back about a CMS blob.
type VerifyResult struct {
	CertChain   []*x509.Certificate // leaf first
	SigningTime time.Time
	Timestamp   *time.Time // non-nil iff the CMS carried a trusted RFC3161 timestamp
	Expired     bool       // true iff the only problem found was certificate expiration
}

// Verifier validates a CMS blob against detached content, per spec §4.7
// "verify CMS over the raw CodeDirectory bytes".
type Verifier interface {
	Verify(content, cms []byte) (VerifyResult, error)
}

// AdHoc implements both Signer and Verifier for the unsigned case: Sign
// always returns an empty blob; Verify accepts only an empty blob and
// reports no cert chain, matching spec glossary's "Ad-hoc signing:
// producing a CodeDirectory with no CMS signature ... verifiable only
// against its cdhash."
type AdHoc struct{}

func (AdHoc) Sign(content []byte, signingTime time.Time) ([]byte, error) {
	return nil, nil
}

func (AdHoc) Verify(content, cmsBytes []byte) (VerifyResult, error) {
	if len(cmsBytes) != 0 {
		return VerifyResult{}, cserr.New(cserr.SignatureInvalid, nil)
	}
	return VerifyResult{}, nil
}
