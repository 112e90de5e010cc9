package cms

import (
	"testing"
	"time"
)

func TestAdHocSignReturnsEmptyBlob(t *testing.T) {
	sig, err := AdHoc{}.Sign([]byte("code directory bytes"), time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 0 {
		t.Errorf("AdHoc.Sign returned %d bytes, want 0", len(sig))
	}
}

func TestAdHocVerifyAcceptsEmptyBlob(t *testing.T) {
	result, err := AdHoc{}.Verify([]byte("code directory bytes"), nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(result.CertChain) != 0 {
		t.Errorf("CertChain = %v, want empty", result.CertChain)
	}
}

func TestAdHocVerifyRejectsNonEmptyBlob(t *testing.T) {
	if _, err := AdHoc{}.Verify([]byte("content"), []byte("not actually empty")); err == nil {
		t.Fatal("expected Verify to reject a non-empty CMS blob for an ad-hoc identity")
	}
}

func TestAdHocHasNoCertificateProvider(t *testing.T) {
	var signer Signer = AdHoc{}
	if _, ok := signer.(CertificateProvider); ok {
		t.Fatal("AdHoc must not implement CertificateProvider: it has no certificate chain to offer")
	}
}
