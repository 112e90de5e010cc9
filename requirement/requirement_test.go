package requirement

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseIdentifierAndAppleAnchor(t *testing.T) {
	req, err := Parse(`identifier "x" and anchor apple`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := And{Left: Ident{Value: "x"}, Right: AppleAnchor{}}
	if diff := cmp.Diff(want, req.Expr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	encoded := Encode(req.Expr)
	decoded, err := Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(req.Expr, decoded); diff != "" {
		t.Errorf("bytecode round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNegatedOr(t *testing.T) {
	req, err := Parse(`!(identifier "a" or identifier "b")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Not{X: Or{Left: Ident{Value: "a"}, Right: Ident{Value: "b"}}}
	if diff := cmp.Diff(want, req.Expr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDecompileRoundTrip(t *testing.T) {
	cases := []string{
		`identifier "com.example.app" and anchor apple`,
		`!(identifier "a" or identifier "b")`,
		`anchor apple generic`,
		`certificate leaf[subject.CN] = "Developer ID Application"`,
		`entitlement["com.apple.security.app-sandbox"]`,
	}
	for _, src := range cases {
		req, err := Parse(src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", src, err)
		}
		text := Decompile(req.Expr)
		reparsed, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(Decompile(%q)=%q): %v", src, text, err)
		}
		if diff := cmp.Diff(req.Expr, reparsed.Expr); diff != "" {
			t.Errorf("round trip mismatch for %q (-want +got):\n%s", src, diff)
		}
	}
}

func TestBlobRoundTrip(t *testing.T) {
	req, err := Parse(`identifier "x" and anchor apple`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data := req.Bytes()
	got, err := ParseRequirementBlob(data)
	if err != nil {
		t.Fatalf("ParseRequirementBlob: %v", err)
	}
	if diff := cmp.Diff(req.Expr, got.Expr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEvalIdentifier(t *testing.T) {
	req, err := Parse(`identifier "com.example.app"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx := &Context{Identifier: "com.example.app"}
	ok, err := Eval(req.Expr, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	ctx.Identifier = "com.example.other"
	ok, err = Eval(req.Expr, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}

func TestForwardCompatGenericFalseAndSkip(t *testing.T) {
	genericFalse := Unknown{Op: 200, Skip: false, Payload: nil}
	ok, err := Eval(genericFalse, &Context{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if ok {
		t.Fatal("opGenericFalse opcode should evaluate to false")
	}

	genericSkip := And{Left: True{}, Right: Unknown{Op: 201, Skip: true}}
	ok, err = Eval(genericSkip, &Context{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !ok {
		t.Fatal("opGenericSkip opcode should evaluate as if absent")
	}
}

func TestNamedAnchorUnsupported(t *testing.T) {
	_, err := Eval(NamedAnchor{Name: "com.example.fragment"}, &Context{})
	if err == nil {
		t.Fatal("expected reqUnsupported for named anchor lookup")
	}
}

func TestParseSet(t *testing.T) {
	set, err := ParseSet(`designated => ( identifier "com.example.app" and anchor apple );`)
	if err != nil {
		t.Fatalf("ParseSet: %v", err)
	}
	req, ok := set[DesignatedRequirementType]
	if !ok {
		t.Fatal("expected designated requirement in set")
	}
	want := And{Left: Ident{Value: "com.example.app"}, Right: AppleAnchor{}}
	if diff := cmp.Diff(want, req.Expr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
