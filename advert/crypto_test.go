package advert

import (
	"crypto/rand"
	"strings"
	"testing"

	"xdao.co/capres/keys"
)

func TestVerifyRoundTrip(t *testing.T) {
	a, err := Parse(validAdvertBytes(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsMutatedCapabilityField(t *testing.T) {
	canonical := string(validAdvertBytes(t))
	mutated := strings.Replace(canonical, "Version: 1.2.3", "Version: 9.9.9", 1)
	a, err := Parse([]byte(mutated))
	if err != nil {
		t.Fatalf("parse mutated: %v", err)
	}
	err = a.Verify()
	if err == nil {
		t.Fatalf("expected signature failure after field mutation")
	}
	if RuleID(err) != "CAAF-CRYPTO-401" {
		t.Errorf("rule = %q, want CAAF-CRYPTO-401", RuleID(err))
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	// Sign with one key, then substitute the Owner-Key of another: the
	// signature must no longer verify.
	doc := baseDocument()
	out, err := Sign(doc, mustKeypair(t, 0xC1), keys.HashSHA256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other := mustKeypair(t, 0xC2)
	mutated := strings.Replace(string(out), mustKeypair(t, 0xC1).SignerKey(), other.SignerKey(), 1)
	a, err := Parse([]byte(mutated))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := a.Verify(); err == nil {
		t.Fatalf("expected verify failure under foreign key")
	}
}

func TestSignDilithium3(t *testing.T) {
	kp, err := keys.GenerateDilithium3(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	out, err := Sign(baseDocument(), kp, keys.HashSHA3256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.SignatureAlg() != keys.AlgDilithium3 {
		t.Errorf("Signature-Alg = %q", a.SignatureAlg())
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsAlgMismatch(t *testing.T) {
	canonical := string(validAdvertBytes(t))
	mutated := strings.Replace(canonical, "Signature-Alg: ed25519", "Signature-Alg: dilithium3", 1)
	a, err := Parse([]byte(mutated))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = a.Verify()
	if err == nil {
		t.Fatalf("expected verify failure on alg mismatch")
	}
	if RuleID(err) != "CAAF-CRYPTO-121" {
		t.Errorf("rule = %q, want CAAF-CRYPTO-121", RuleID(err))
	}
}
