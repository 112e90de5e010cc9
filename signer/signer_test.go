package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/diskrep"
	"github.com/blacktop/go-codesign/staticcode"
)

func TestSignFileRepAdHoc(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}

	result, err := Sign(rep, Config{Identifier: "com.example.payload"})
	if err != nil {
		t.Skipf("signing a flat file requires extended attribute support: %v", err)
	}
	if result.Removed {
		t.Fatal("unexpected Removed result for a plain Sign call")
	}
	var zero [20]byte
	if result.CDHash == zero {
		t.Fatal("expected a non-zero cdhash")
	}
	if result.Directory.Identifier != "com.example.payload" {
		t.Errorf("Identifier = %q, want com.example.payload", result.Directory.Identifier)
	}

	if err := rep.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, ok := rep.Component(int(blob.SlotCodeDirectory))
	if !ok {
		t.Fatal("expected CodeDirectory component to round trip")
	}
	if len(data) == 0 {
		t.Error("round-tripped CodeDirectory is empty")
	}
}

func TestSignDryRunLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	original := []byte("untouched content")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}

	if _, err := Sign(rep, Config{DryRun: true}); err != nil {
		t.Skipf("dry-run signing still touches xattrs on this filesystem: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("DryRun modified file contents: got %q, want %q", got, original)
	}
}

// TestBundleSignThenVerifyResourcesRoundTrips guards against the
// defaultResourceRules/bestRule weight bug: sealed resources must still
// read back as sealed once the signature (and the seal file itself)
// exist on disk, not just at the moment they were walked.
func TestBundleSignThenVerifyResourcesRoundTrips(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "Example.bundle")
	resourceDir := filepath.Join(bundle, "Resources")
	if err := os.MkdirAll(resourceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "Info.plist"), []byte(
		`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict>
<key>CFBundleIdentifier</key><string>com.example.bundle</string>
</dict></plist>`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(resourceDir, "asset.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := diskrep.BestGuess(bundle, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}

	if _, err := Sign(rep, Config{Identifier: "com.example.bundle"}); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	verifyRep, err := diskrep.BestGuess(bundle, nil)
	if err != nil {
		t.Fatalf("BestGuess (verify): %v", err)
	}
	sc := staticcode.New(verifyRep, nil)
	if err := sc.ValidateResources(); err != nil {
		t.Fatalf("ValidateResources: %v (the sealed _CodeSignature/CodeResources file itself must be "+
			"omitted from its own seal, or re-verifying always finds it unexpectedly present on disk)", err)
	}
}

func TestResolveIdentifierPrefersExplicitOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := resolveIdentifier(rep, Config{Identifier: "com.example.tool"}); got != "com.example.tool" {
		t.Errorf("resolveIdentifier = %q, want com.example.tool", got)
	}
	if got := resolveIdentifier(rep, Config{}); got != "tool" {
		t.Errorf("resolveIdentifier default = %q, want tool (canonical basename)", got)
	}
	if got := resolveIdentifier(rep, Config{IdentifierPrefix: "com.example."}); got != "com.example.tool" {
		t.Errorf("resolveIdentifier with prefix = %q, want com.example.tool", got)
	}
}
