package blob

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSuperBlobRoundTrip(t *testing.T) {
	sb := NewSuperBlob(MagicEmbeddedSignature)
	sb.Add(SlotCodeDirectory, Wrap(MagicCodeDirectory, []byte("cd-bytes")))
	sb.Add(SlotRequirements, Wrap(MagicRequirementSet, []byte("reqs")))

	out := sb.Bytes()

	got, err := ParseSuperBlob(out)
	if err != nil {
		t.Fatalf("ParseSuperBlob: %v", err)
	}
	if diff := cmp.Diff(sb.Blobs, got.Blobs, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.Magic != MagicEmbeddedSignature {
		t.Errorf("magic = %s, want embedded signature", got.Magic)
	}
}

func TestSuperBlobIndexSortedByType(t *testing.T) {
	sb := NewSuperBlob(MagicEmbeddedSignature)
	sb.Add(SlotEntitlements, []byte{0xfa, 0xde, 0x71, 0x71, 0, 0, 0, 8})
	sb.Add(SlotCodeDirectory, []byte{0xfa, 0xde, 0x0c, 0x02, 0, 0, 0, 8})

	out := sb.Bytes()
	got, err := ParseSuperBlob(out)
	if err != nil {
		t.Fatalf("ParseSuperBlob: %v", err)
	}
	if len(got.Index) != 2 || got.Index[0].Type != SlotCodeDirectory || got.Index[1].Type != SlotEntitlements {
		t.Errorf("index not sorted ascending by type: %+v", got.Index)
	}
}

func TestHeaderValidateRejectsWrongMagic(t *testing.T) {
	h := Header{Magic: MagicRequirement, Length: 16}
	if err := h.Validate(MagicCodeDirectory, 16); err == nil {
		t.Fatal("expected error for mismatched magic")
	}
}

func TestHeaderValidateRejectsOversizedLength(t *testing.T) {
	h := Header{Magic: MagicCodeDirectory, Length: 100}
	if err := h.Validate(MagicCodeDirectory, 16); err == nil {
		t.Fatal("expected error for length exceeding bound")
	}
}
