package typesig

import (
	"errors"
	"testing"

	"xdao.co/capres/envelope"
)

func mustType(t *testing.T, s string) Type {
	t.Helper()
	typ, err := ParseType(s)
	if err != nil {
		t.Fatalf("parse type %q: %v", s, err)
	}
	return typ
}

func TestParseTypeRoundTrip(t *testing.T) {
	cases := []string{
		"string",
		"bytes",
		"list<int>",
		"map<string>",
		"list<map<float>>",
		"int|string",
		"Document",
		"list<Document|bytes>",
	}
	for _, c := range cases {
		typ, err := ParseType(c)
		if err != nil {
			t.Errorf("parse %q: %v", c, err)
			continue
		}
		if got := typ.String(); got != c {
			t.Errorf("round trip %q -> %q", c, got)
		}
	}
}

func TestParseTypeRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"list<",
		"list<>",
		"list int",
		"int|",
		"|int",
		"int||string",
		"9lives",
		"a b",
	}
	for _, c := range cases {
		if _, err := ParseType(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("(input:bytes, format:string) -> bytes")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sig.Params) != 2 {
		t.Fatalf("params = %d, want 2", len(sig.Params))
	}
	if sig.Params[0].Name != "input" || sig.Params[1].Name != "format" {
		t.Errorf("param names: %+v", sig.Params)
	}
	if sig.Result.Name != "bytes" {
		t.Errorf("result = %s", sig.Result)
	}
	if got := sig.String(); got != "(input:bytes, format:string) -> bytes" {
		t.Errorf("String() = %q", got)
	}

	empty, err := ParseSignature("() -> bool")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(empty.Params) != 0 {
		t.Errorf("expected no params")
	}
}

func TestParseSignatureRejectsDuplicateParam(t *testing.T) {
	if _, err := ParseSignature("(a:int, a:string) -> bool"); err == nil {
		t.Fatalf("expected error for duplicate parameter")
	}
}

func TestCompatibleExactAndAlternation(t *testing.T) {
	r := NewRegistry()

	if !r.Compatible(mustType(t, "int"), mustType(t, "int")) {
		t.Errorf("int should match int")
	}
	if r.Compatible(mustType(t, "int"), mustType(t, "string")) {
		t.Errorf("int must not match string")
	}
	if !r.Compatible(mustType(t, "int"), mustType(t, "int|string")) {
		t.Errorf("int should match int|string")
	}
	if r.Compatible(mustType(t, "float"), mustType(t, "int|string")) {
		t.Errorf("float must not match int|string")
	}
	// A sum actual must be accepted in its entirety.
	if !r.Compatible(mustType(t, "int|string"), mustType(t, "string|int|bytes")) {
		t.Errorf("int|string should match wider alternation")
	}
	if r.Compatible(mustType(t, "int|bytes"), mustType(t, "int|string")) {
		t.Errorf("int|bytes must not match int|string")
	}
}

func TestCompatibleSequencesAndSubtypes(t *testing.T) {
	r := NewRegistry()
	r.RegisterSubtype("Png", "Image")
	r.RegisterSubtype("Image", "Blob")

	if !r.Compatible(mustType(t, "list<int>"), mustType(t, "list<int>")) {
		t.Errorf("list<int> should match itself")
	}
	if r.Compatible(mustType(t, "list<int>"), mustType(t, "list<string>")) {
		t.Errorf("element types must be checked")
	}
	if !r.Compatible(mustType(t, "Png"), mustType(t, "Image")) {
		t.Errorf("registered subtype should match")
	}
	if !r.Compatible(mustType(t, "Png"), mustType(t, "Blob")) {
		t.Errorf("subtyping should be transitive")
	}
	if r.Compatible(mustType(t, "Image"), mustType(t, "Png")) {
		t.Errorf("subtyping is directional")
	}
	if r.Compatible(mustType(t, "Jpeg"), mustType(t, "Image")) {
		t.Errorf("unregistered named type must not match")
	}
	if !r.Compatible(mustType(t, "list<Png>"), mustType(t, "list<Image>")) {
		t.Errorf("sequence compatibility should follow element compatibility")
	}
}

func TestValidateArgs(t *testing.T) {
	r := NewRegistry()
	sig, err := ParseSignature("(input:bytes, format:string, opts:map<int>) -> bytes")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	good := map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte{1}),
		"format": envelope.String("png"),
		"opts":   envelope.Map(map[string]envelope.TypedValue{"width": envelope.Int(640)}),
	}
	if err := r.ValidateArgs(sig, good); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}

	bad := map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte{1}),
		"format": envelope.Int(3),
		"opts":   envelope.Map(nil),
	}
	if err := r.ValidateArgs(sig, bad); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}

	missing := map[string]envelope.TypedValue{"input": envelope.Bytes(nil)}
	if err := r.ValidateArgs(sig, missing); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for missing arg, got %v", err)
	}

	extra := map[string]envelope.TypedValue{
		"input":   envelope.Bytes([]byte{1}),
		"format":  envelope.String("png"),
		"opts":    envelope.Map(nil),
		"unknown": envelope.Bool(true),
	}
	if err := r.ValidateArgs(sig, extra); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for undeclared arg, got %v", err)
	}
}

func TestValidateValueNamedType(t *testing.T) {
	r := NewRegistry()
	r.RegisterNamed("Dimensions", mustType(t, "map<int>"))

	v := envelope.Map(map[string]envelope.TypedValue{"w": envelope.Int(1), "h": envelope.Int(2)})
	if err := r.ValidateValue(v, mustType(t, "Dimensions")); err != nil {
		t.Fatalf("valid named value rejected: %v", err)
	}
	if err := r.ValidateValue(envelope.String("x"), mustType(t, "Dimensions")); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	// Unregistered named types fail closed.
	if err := r.ValidateValue(v, mustType(t, "Mystery")); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected mismatch for unregistered named type, got %v", err)
	}
}

func TestSameShape(t *testing.T) {
	a, _ := ParseSignature("(x:int, y:string) -> bool")
	b, _ := ParseSignature("(x:int, y:string) -> bool")
	c, _ := ParseSignature("(x:int, y:bytes) -> bool")
	d, _ := ParseSignature("(y:string, x:int) -> bool")

	if !SameShape(a, b) {
		t.Errorf("identical signatures should have the same shape")
	}
	if SameShape(a, c) {
		t.Errorf("differing parameter types must differ")
	}
	if SameShape(a, d) {
		t.Errorf("parameter order is significant")
	}
}
