// Package designated synthesizes a default Designated Requirement from a
// signing certificate chain when the caller supplies none, per spec
// §4.8. Grounded on original_source's lib/drmaker.cpp (DRMaker::make,
// DRMaker::appleAnchor, DRMaker::nonAppleAnchor) — the certificate-chain
// heuristics are carried over essentially unchanged, re-expressed against
// this module's requirement.Expr tree instead of drmaker's
// bytecode-emitting Maker.
package designated

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"

	"github.com/blacktop/go-codesign/cserr"
	"github.com/blacktop/go-codesign/requirement"
)

// Apple extension OID arc markers, mirroring drmaker.cpp's adcSdkMarker /
// caspianSdkMarker / caspianLeafMarker (APPLE_EXTENSION_OID = 1.2.840.113635.100.6).
const (
	iosIntermediateMarkerOID = "1.2.840.113635.100.6.2.1" // ADC ("iOS") intermediate
	devIDIntermediateOID     = "1.2.840.113635.100.6.2.6" // Developer ID intermediate
	devIDLeafOID             = "1.2.840.113635.100.6.1.13" // Developer ID leaf certificate
)

func hashOfCertificate(cert *x509.Certificate) [sha1.Size]byte {
	return sha1.Sum(cert.Raw)
}

func certificateHasField(cert *x509.Certificate, oid string) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.String() == oid {
			return true
		}
	}
	return false
}

func organization(n pkix.Name) string {
	if len(n.Organization) > 0 {
		return n.Organization[0]
	}
	return ""
}

func organizationalUnit(n pkix.Name) string {
	if len(n.OrganizationalUnit) > 0 {
		return n.OrganizationalUnit[0]
	}
	return ""
}

// Synthesize builds the default Designated Requirement for a cert chain
// (leaf first, anchor last), mirroring DRMaker::make. It returns an error
// if certs is empty: an ad-hoc signature has no certificate chain to
// derive a requirement from, just like drmaker.cpp's "can't make an
// explicit DR ... return NULL" case.
func Synthesize(certs []*x509.Certificate, identifier string) (*requirement.Requirement, error) {
	if len(certs) == 0 {
		return nil, cserr.New(cserr.ReqInvalid, nil).WithDetail("reason", "no certificate chain to synthesize a designated requirement from")
	}

	anchor := certs[len(certs)-1]
	anchorHash := hashOfCertificate(anchor)

	var anchorExpr requirement.Expr
	if anchorHash == requirement.AppleAnchorSHA1 {
		anchorExpr = appleAnchor(certs)
	} else {
		anchorExpr = nonAppleAnchor(certs)
	}

	expr := requirement.Expr(requirement.And{
		Left:  requirement.Ident{Value: identifier},
		Right: anchorExpr,
	})
	return &requirement.Requirement{Kind: requirement.ExprForm, Expr: expr}, nil
}

// nonAppleAnchor climbs the chain from the leaf until the next
// certificate's Organization differs from the leaf's, and anchors on the
// hash of the last certificate that still shares the leaf's Organization
// — the anchor cert itself if every certificate in the chain shares it.
// Mirrors DRMaker::nonAppleAnchor.
func nonAppleAnchor(certs []*x509.Certificate) requirement.Expr {
	leaf := certs[0]
	leafOrg := organization(leaf.Subject)

	slot := 0
	if leafOrg != "" {
		for slot+1 < len(certs) {
			caOrg := organization(certs[slot+1].Subject)
			if caOrg != leafOrg {
				break
			}
			slot++
		}
	}

	digest := hashOfCertificate(certs[slot])
	return requirement.AnchorHash{Slot: certSlot(slot, len(certs)), Digest: digest[:]}
}

// certSlot converts a leaf-relative chain index into the requirement
// language's slot numbering (0 = leaf, negative = anchor-relative,
// positive = intermediate depth), matching Requirement::anchorCert's
// convention of -1 for the anchor.
func certSlot(index, chainLen int) int32 {
	if index == chainLen-1 {
		return requirement.AnchorCert
	}
	return int32(index)
}

// appleAnchor classifies the chain as iOS-distribution, Developer
// ID, or plain Apple-proper, mirroring DRMaker::appleAnchor.
func appleAnchor(certs []*x509.Certificate) requirement.Expr {
	if isIOSSignature(certs) {
		leafCN := certs[0].Subject.CommonName
		return requirement.And{
			Left: requirement.AppleGenericAnchor{},
			Right: requirement.And{
				Left: requirement.CertField{
					Slot: 0, Key: "subject.CN",
					Match: requirement.Match{Op: requirement.MatchEqual, Value: []byte(leafCN)},
				},
				Right: requirement.CertGeneric{
					Slot: 1, OID: iosIntermediateMarkerOID,
					Match: requirement.Match{Op: requirement.MatchExists},
				},
			},
		}
	}

	if isDeveloperIDSignature(certs) {
		teamID := organizationalUnit(certs[0].Subject)
		return requirement.And{
			Left: requirement.AppleGenericAnchor{},
			Right: requirement.And{
				Left: requirement.CertGeneric{
					Slot: 1, OID: devIDIntermediateOID,
					Match: requirement.Match{Op: requirement.MatchExists},
				},
				Right: requirement.And{
					Left: requirement.CertGeneric{
						Slot: 0, OID: devIDLeafOID,
						Match: requirement.Match{Op: requirement.MatchExists},
					},
					Right: requirement.CertField{
						Slot: 0, Key: "subject.OU",
						Match: requirement.Match{Op: requirement.MatchEqual, Value: []byte(teamID)},
					},
				},
			},
		}
	}

	return requirement.AppleAnchor{}
}

// isIOSSignature and isDeveloperIDSignature both require a three-element
// chain (leaf, one intermediate, anchor) with the intermediate carrying
// the corresponding marker extension, per drmaker.cpp.
func isIOSSignature(certs []*x509.Certificate) bool {
	return len(certs) == 3 && certificateHasField(certs[1], iosIntermediateMarkerOID)
}

func isDeveloperIDSignature(certs []*x509.Certificate) bool {
	return len(certs) == 3 && certificateHasField(certs[1], devIDIntermediateOID)
}
