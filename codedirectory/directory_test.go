package codedirectory

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildAndParseRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0x41}, 10000)
	b := &Builder{
		Identifier: "com.example.a",
		HashType:   HashSHA1,
		PageSize:   4096,
	}
	d, err := b.Build(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.CodeSlots) != 3 {
		t.Fatalf("nCodeSlots = %d, want 3", len(d.CodeSlots))
	}
	want0 := sha1.Sum(data[0:4096])
	if !bytes.Equal(d.CodeSlots[0], want0[:]) {
		t.Errorf("slot 0 mismatch")
	}
	want2 := sha1.Sum(data[8192:10000])
	if !bytes.Equal(d.CodeSlots[2], want2[:]) {
		t.Errorf("slot 2 mismatch")
	}

	parsed, err := Parse(d.Raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(d.Identifier, parsed.Identifier); diff != "" {
		t.Errorf("identifier mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(d.CodeSlots, parsed.CodeSlots); diff != "" {
		t.Errorf("code slots mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildZeroLengthFile(t *testing.T) {
	b := &Builder{Identifier: "com.example.empty", HashType: HashSHA256, PageSize: 4096}
	d, err := b.Build(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.CodeSlots) != 0 {
		t.Errorf("nCodeSlots = %d, want 0", len(d.CodeSlots))
	}
}

func TestBuildPageSizeZeroYieldsOneSlot(t *testing.T) {
	data := bytes.Repeat([]byte{0x7f}, 500)
	b := &Builder{Identifier: "com.example.mono", HashType: HashSHA256, PageSize: 0}
	d, err := b.Build(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.CodeSlots) != 1 {
		t.Errorf("nCodeSlots = %d, want 1", len(d.CodeSlots))
	}
}

func TestValidateSlotDetectsTamper(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, 4096)
	b := &Builder{Identifier: "com.example.t", HashType: HashSHA256, PageSize: 4096}
	d, err := b.Build(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !d.ValidateSlot(data, 0) {
		t.Fatal("expected slot 0 to validate against original bytes")
	}
	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xff
	if d.ValidateSlot(tampered, 0) {
		t.Fatal("expected tampered page to fail validation")
	}
}

func TestSpecialSlotsTrimToHighestUsed(t *testing.T) {
	b := &Builder{Identifier: "x", HashType: HashSHA256, PageSize: 4096}
	b.SpecialSlot(SlotRequirements, []byte("reqs"))
	d, err := b.Build(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.SpecialSlots) != SlotRequirements {
		t.Fatalf("len(SpecialSlots) = %d, want %d", len(d.SpecialSlots), SlotRequirements)
	}
	if !d.SlotIsPresent(-SlotRequirements) {
		t.Error("expected requirements special slot to be present")
	}
	if d.SlotIsPresent(-SlotEntitlements) {
		t.Error("expected entitlements special slot to be absent")
	}
}
