package resources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestBuildSealsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"Resources/icon.png":  "icon-bytes",
		"Resources/data.json": "{}",
		"Resources/skip.tmp":  "ignored",
	})

	rules, err := RulesFromMap(map[string]any{
		`^Resources/.*`: true,
		`\.tmp$`:        false,
	})
	if err != nil {
		t.Fatalf("RulesFromMap: %v", err)
	}

	b := &Builder{Root: root, Rules: rules, HashType: HashSHA256}
	seal, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(seal.Files) != 2 {
		t.Fatalf("got %d sealed files, want 2: %v", len(seal.Files), seal.Files)
	}
	if _, ok := seal.Files["Resources/icon.png"]; !ok {
		t.Error("expected Resources/icon.png to be sealed")
	}
	if _, ok := seal.Files["Resources/skip.tmp"]; ok {
		t.Error("Resources/skip.tmp should be omitted by the more specific rule")
	}
}

func TestExclusionStopsMatching(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"Resources/_CodeSignature/CodeResources": "seal",
		"Resources/real.txt":                     "content",
	})

	rules, err := RulesFromMap(map[string]any{
		`^Resources/.*`: true,
	})
	if err != nil {
		t.Fatalf("RulesFromMap: %v", err)
	}
	rules, err = AddExclusion(rules, `^Resources/_CodeSignature/`)
	if err != nil {
		t.Fatalf("AddExclusion: %v", err)
	}

	b := &Builder{Root: root, Rules: rules, HashType: HashSHA1}
	seal, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := seal.Files["Resources/_CodeSignature/CodeResources"]; ok {
		t.Error("excluded path should never be sealed")
	}
	if _, ok := seal.Files["Resources/real.txt"]; !ok {
		t.Error("expected Resources/real.txt to be sealed")
	}
}

func TestCompareDetectsAddedMissingAltered(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt": "one",
		"b.txt": "two",
	})
	rules, err := RulesFromMap(map[string]any{`.*`: true})
	if err != nil {
		t.Fatalf("RulesFromMap: %v", err)
	}
	b := &Builder{Root: root, Rules: rules, HashType: HashSHA256}
	seal, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "c.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	diff, err := b.Compare(context.Background(), seal)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "c.txt" {
		t.Errorf("Added = %v, want [c.txt]", diff.Added)
	}
	if len(diff.Missing) != 1 || diff.Missing[0] != "b.txt" {
		t.Errorf("Missing = %v, want [b.txt]", diff.Missing)
	}
	if len(diff.Altered) != 1 || diff.Altered[0] != "a.txt" {
		t.Errorf("Altered = %v, want [a.txt]", diff.Altered)
	}
}

func TestCompareOptionalMissingIsNotReported(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"opt.txt": "x"})
	rules, err := RulesFromMap(map[string]any{
		`opt\.txt`: map[string]any{"optional": true},
	})
	if err != nil {
		t.Fatalf("RulesFromMap: %v", err)
	}
	b := &Builder{Root: root, Rules: rules, HashType: HashSHA256}
	seal, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "opt.txt")); err != nil {
		t.Fatal(err)
	}
	diff, err := b.Compare(context.Background(), seal)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("expected empty diff for optional missing file, got %+v", diff)
	}
}
