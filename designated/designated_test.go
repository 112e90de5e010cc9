package designated

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"

	"github.com/blacktop/go-codesign/requirement"
)

func selfSignedCert(t *testing.T, subject pkix.Name, serial int64) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      subject,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func TestSynthesizeRejectsEmptyChain(t *testing.T) {
	if _, err := Synthesize(nil, "com.example.app"); err == nil {
		t.Fatal("expected error for empty certificate chain")
	}
}

func TestSynthesizeNonAppleAnchorSameOrganization(t *testing.T) {
	leaf := selfSignedCert(t, pkix.Name{CommonName: "leaf", Organization: []string{"Example Corp"}}, 1)
	anchor := selfSignedCert(t, pkix.Name{CommonName: "root", Organization: []string{"Example Corp"}}, 2)

	req, err := Synthesize([]*x509.Certificate{leaf, anchor}, "com.example.app")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	and, ok := req.Expr.(requirement.And)
	if !ok {
		t.Fatalf("top-level expr = %T, want And", req.Expr)
	}
	if and.Left != (requirement.Ident{Value: "com.example.app"}) {
		t.Errorf("left = %#v", and.Left)
	}
	anchorExpr, ok := and.Right.(requirement.AnchorHash)
	if !ok {
		t.Fatalf("right = %T, want AnchorHash", and.Right)
	}
	if anchorExpr.Slot != requirement.AnchorCert {
		t.Errorf("slot = %d, want AnchorCert (same Organization climbs to anchor)", anchorExpr.Slot)
	}
}

func TestSynthesizeNonAppleAnchorDifferentOrganization(t *testing.T) {
	leaf := selfSignedCert(t, pkix.Name{CommonName: "leaf", Organization: []string{"Example Corp"}}, 1)
	intermediate := selfSignedCert(t, pkix.Name{CommonName: "intermediate", Organization: []string{"Other Org"}}, 2)

	req, err := Synthesize([]*x509.Certificate{leaf, intermediate}, "com.example.app")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	and := req.Expr.(requirement.And)
	anchorExpr := and.Right.(requirement.AnchorHash)
	if anchorExpr.Slot != 0 {
		t.Errorf("slot = %d, want 0 (leaf, since next cert differs in Organization)", anchorExpr.Slot)
	}
}
