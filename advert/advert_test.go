package advert

import (
	"bytes"
	"strings"
	"testing"

	"xdao.co/capres/keys"
)

func mustKeypair(t *testing.T, seedByte byte) *keys.Keypair {
	t.Helper()
	kp, err := keys.Ed25519FromSeed(bytes.Repeat([]byte{seedByte}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func baseDocument() Document {
	return Document{
		Meta: map[string]string{"Spec": SpecID, "Version": "1"},
		Capability: map[string]string{
			"Name":           "convert",
			"URI":            "cap://acme-corp/convert",
			"Version":        "1.2.3",
			"Type-Signature": "(input:bytes, format:string) -> bytes",
		},
		Provider: map[string]string{"Endpoint": "127.0.0.1:7070"},
	}
}

func validAdvertBytes(t *testing.T) []byte {
	t.Helper()
	out, err := Sign(baseDocument(), mustKeypair(t, 0xA1), keys.HashSHA256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return out
}

func TestParseValidAdvertisement(t *testing.T) {
	a, err := Parse(validAdvertBytes(t))
	if err != nil {
		t.Fatalf("expected valid advertisement, got error: %v", err)
	}
	if a.Name() != "convert" {
		t.Errorf("Name = %q, want convert", a.Name())
	}
	if a.URI() != "cap://acme-corp/convert" {
		t.Errorf("URI = %q", a.URI())
	}
	if a.Version() != "1.2.3" {
		t.Errorf("Version = %q", a.Version())
	}
	if a.Endpoint() != "127.0.0.1:7070" {
		t.Errorf("Endpoint = %q", a.Endpoint())
	}
	if len(a.SignedBytes()) == 0 {
		t.Fatalf("expected non-empty signed bytes")
	}
	if a.CID() == "" {
		t.Fatalf("expected non-empty CID")
	}
	if err := ValidateCore(a); err != nil {
		t.Fatalf("validate core: %v", err)
	}
}

func TestParseRejectsMissingPreamble(t *testing.T) {
	_, err := Parse([]byte("META\nVersion: 1"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsKind(err, KindParse) {
		t.Errorf("expected Parse kind, got %v", err)
	}
}

func TestParseRejectsTrailingNewline(t *testing.T) {
	data := append(validAdvertBytes(t), '\n')
	_, err := Parse(data)
	if err == nil {
		t.Fatalf("expected error")
	}
	if RuleID(err) != "CAAF-CANON-001" {
		t.Errorf("rule = %q, want CAAF-CANON-001", RuleID(err))
	}
}

func TestParseRejectsCRLF(t *testing.T) {
	data := bytes.ReplaceAll(validAdvertBytes(t), []byte("\n"), []byte("\r\n"))
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for CRLF input")
	}
}

func TestParseRejectsUnsortedKeys(t *testing.T) {
	canonical := string(validAdvertBytes(t))
	// Swap the first two CAPABILITY lines to break lexicographic key order.
	lines := strings.Split(canonical, "\n")
	for i, l := range lines {
		if l == "CAPABILITY" {
			lines[i+1], lines[i+2] = lines[i+2], lines[i+1]
			break
		}
	}
	_, err := Parse([]byte(strings.Join(lines, "\n")))
	if err == nil {
		t.Fatalf("expected error for unsorted keys")
	}
}

func TestParseRejectsDuplicateSection(t *testing.T) {
	canonical := string(validAdvertBytes(t))
	mutated := strings.Replace(canonical, "PROVIDER\n", "PROVIDER\nEndpoint2: x\n\nPROVIDER\n", 1)
	if _, err := Parse([]byte(mutated)); err == nil {
		t.Fatalf("expected error for duplicate section")
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	out := validAdvertBytes(t)
	a, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := Render(Document{
		Meta:       a.Sections["META"].Pairs,
		Capability: a.Sections["CAPABILITY"].Pairs,
		Provider:   a.Sections["PROVIDER"].Pairs,
		Crypto:     a.Sections["CRYPTO"].Pairs,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(out, again) {
		t.Fatalf("render not byte-identical to canonical input")
	}
}

func TestValidateCoreRejectsMissingFields(t *testing.T) {
	kp := mustKeypair(t, 0xB2)
	doc := baseDocument()
	delete(doc.Capability, "Type-Signature")
	out, err := Sign(doc, kp, keys.HashSHA256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	verr := ValidateCore(a)
	if verr == nil {
		t.Fatalf("expected validation error")
	}
	if RuleID(verr) != "CAAF-VAL-204" {
		t.Errorf("rule = %q, want CAAF-VAL-204", RuleID(verr))
	}
}

func TestValidateCoreRejectsBadVersion(t *testing.T) {
	kp := mustKeypair(t, 0xB3)
	doc := baseDocument()
	doc.Capability["Version"] = "not-a-version"
	out, err := Sign(doc, kp, keys.HashSHA256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := ValidateCore(a); err == nil || RuleID(err) != "CAAF-VAL-212" {
		t.Fatalf("expected CAAF-VAL-212, got %v", err)
	}
}

func TestCIDStableAcrossReparse(t *testing.T) {
	out := validAdvertBytes(t)
	a1, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a2, err := Parse(a1.Raw())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if a1.CID() != a2.CID() {
		t.Fatalf("CID changed across reparse")
	}
}
