package staticcode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/diskrep"
	"github.com/blacktop/go-codesign/signer"
)

func signFixture(t *testing.T, content []byte, cfg signer.Config) (diskrep.DiskRep, *signer.Result) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}
	result, err := signer.Sign(rep, cfg)
	if err != nil {
		t.Skipf("signing requires extended attribute support on this filesystem: %v", err)
	}
	if err := rep.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return rep, result
}

func TestValidateDirectoryAcceptsAdHocSignature(t *testing.T) {
	rep, _ := signFixture(t, []byte("hello world"), signer.Config{Identifier: "com.example.payload"})

	sc := New(rep, nil)
	if err := sc.ValidateDirectory(); err != nil {
		t.Fatalf("ValidateDirectory: %v", err)
	}
	d, err := sc.Directory()
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if d.Identifier != "com.example.payload" {
		t.Errorf("Identifier = %q, want com.example.payload", d.Identifier)
	}
}

func TestCDHashMatchesDirectory(t *testing.T) {
	rep, result := signFixture(t, []byte("some content to hash"), signer.Config{Identifier: "com.example.cdhash"})

	sc := New(rep, nil)
	got, err := sc.CDHash()
	if err != nil {
		t.Fatalf("CDHash: %v", err)
	}
	if got != result.CDHash {
		t.Errorf("CDHash = %x, want %x", got, result.CDHash)
	}
}

func TestValidateComponentDetectsTamperedEntitlements(t *testing.T) {
	rep, _ := signFixture(t, []byte("tamper target"), signer.Config{
		Identifier:   "com.example.tamper",
		Entitlements: []byte(`<?xml version="1.0"?><plist version="1.0"><dict><key>com.example.allowed</key><true/></dict></plist>`),
	})

	fr, ok := rep.(*diskrep.FileRep)
	if !ok {
		t.Skip("tamper test only applies to the flat-file representation")
	}

	sc := New(rep, nil)
	if _, err := sc.ValidateComponent(blob.SlotEntitlements); err != nil {
		t.Fatalf("ValidateComponent on untampered entitlements: %v", err)
	}

	if err := fr.Writer().WriteComponent(int(blob.SlotEntitlements), []byte("corrupted")); err != nil {
		t.Fatalf("WriteComponent: %v", err)
	}
	sc.InvalidateCache()
	if _, err := sc.ValidateComponent(blob.SlotEntitlements); err == nil {
		t.Fatal("expected ValidateComponent to fail after tampering with the entitlements component")
	}
}

func TestValidateExecutableDetectsModifiedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("original content"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}
	if _, err := signer.Sign(rep, signer.Config{Identifier: "com.example.exec"}); err != nil {
		t.Skipf("signing requires extended attribute support on this filesystem: %v", err)
	}
	if err := rep.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sc := New(rep, nil)
	if err := sc.ValidateExecutable(); err != nil {
		t.Fatalf("ValidateExecutable on untouched content: %v", err)
	}

	if err := os.WriteFile(path, []byte("modified content!"), 0o644); err != nil {
		t.Fatal(err)
	}
	sc.InvalidateCache()
	if err := sc.ValidateExecutable(); err == nil {
		t.Fatal("expected ValidateExecutable to fail after modifying the signed content")
	}
}

func TestInvalidateCacheForcesRecheck(t *testing.T) {
	rep, _ := signFixture(t, []byte("cache test content"), signer.Config{Identifier: "com.example.cache"})

	sc := New(rep, nil)
	if err := sc.ValidateDirectory(); err != nil {
		t.Fatalf("ValidateDirectory: %v", err)
	}
	if !sc.signatureValidated {
		t.Fatal("expected signatureValidated to be cached")
	}
	sc.InvalidateCache()
	if sc.signatureValidated {
		t.Fatal("expected InvalidateCache to clear cached validation state")
	}
}

func TestDesignatedRequirementDefaultsToCDHashForAdHoc(t *testing.T) {
	rep, _ := signFixture(t, []byte("dr test content"), signer.Config{Identifier: "com.example.dr"})

	sc := New(rep, nil)
	req, err := sc.DesignatedRequirement()
	if err != nil {
		t.Fatalf("DesignatedRequirement: %v", err)
	}
	if err := sc.SatisfiesRequirement(req); err != nil {
		t.Fatalf("SatisfiesRequirement on its own default designated requirement: %v", err)
	}
}
