package diskrep

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBestGuessPlainFileUsesFileRep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("not mach-o"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := BestGuess(path, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}
	if _, ok := rep.(*FileRep); !ok {
		t.Fatalf("got %T, want *FileRep", rep)
	}
	if rep.Format() != "file" {
		t.Errorf("Format() = %q, want file", rep.Format())
	}
}

func TestBestGuessDirectoryUsesBundleRep(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "App.app")
	if err := os.MkdirAll(filepath.Join(bundle, "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}
	const infoPlist = `<plist version="1.0"><dict>
		<key>CFBundleIdentifier</key><string>com.example.app</string>
	</dict></plist>`
	if err := os.WriteFile(filepath.Join(bundle, "Contents", "Info.plist"), []byte(infoPlist), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := BestGuess(bundle, nil)
	if err != nil {
		t.Fatalf("BestGuess: %v", err)
	}
	br, ok := rep.(*BundleRep)
	if !ok {
		t.Fatalf("got %T, want *BundleRep", rep)
	}
	if got := br.RecommendedIdentifier(); got != "com.example.app" {
		t.Errorf("RecommendedIdentifier() = %q, want com.example.app", got)
	}
}

func TestBestGuessFileOnlyRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := BestGuess(dir, &Context{FileOnly: true}); err == nil {
		t.Fatal("expected error for directory with FileOnly context")
	}
}

func TestCanonicalIdentifierStripsOneExtension(t *testing.T) {
	if got := canonicalIdentifier("/usr/bin/tool.exe"); got != "tool" {
		t.Errorf("canonicalIdentifier = %q, want tool", got)
	}
	if got := canonicalIdentifier("/usr/bin/my.tool.bin"); got != "my.tool" {
		t.Errorf("canonicalIdentifier = %q, want my.tool", got)
	}
}

func TestFileRepComponentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := newFileRep(path)
	if err != nil {
		t.Fatalf("newFileRep: %v", err)
	}
	w := rep.Writer()
	if err := w.WriteComponent(2, []byte("requirement-bytes")); err != nil {
		t.Skipf("extended attributes unsupported on this filesystem: %v", err)
	}
	got, ok := rep.Component(2)
	if !ok {
		t.Fatal("expected component to round trip")
	}
	if string(got) != "requirement-bytes" {
		t.Errorf("Component(2) = %q, want requirement-bytes", got)
	}
}
