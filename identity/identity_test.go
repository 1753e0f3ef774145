package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"xdao.co/capres/keys"
)

func testSigner(t *testing.T, b byte) string {
	t.Helper()
	kp, err := keys.Ed25519FromSeed(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp.SignerKey()
}

func TestContentAddressedIDDeterministic(t *testing.T) {
	signer := testSigner(t, 0x01)
	a, err := ContentAddressedID(signer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := ContentAddressedID(signer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("content-addressed ID not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "b") {
		t.Fatalf("expected CIDv1 base32 identifier, got %q", a)
	}

	other, err := ContentAddressedID(testSigner(t, 0x02))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == other {
		t.Fatalf("distinct keys produced identical identifiers")
	}
}

func TestMatchesKey(t *testing.T) {
	signer := testSigner(t, 0x03)
	id, err := ContentAddressedID(signer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !MatchesKey(id, signer) {
		t.Fatalf("identifier should match its own key")
	}
	if MatchesKey(id, testSigner(t, 0x04)) {
		t.Fatalf("identifier must not match a different key")
	}
	if MatchesKey(id, "garbage") {
		t.Fatalf("identifier must not match an unparseable key")
	}
}

func TestAuthorityFromURI(t *testing.T) {
	id, err := AuthorityFromURI("cap://acme-corp/convert")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "acme-corp" {
		t.Fatalf("identifier = %q, want acme-corp", id)
	}

	for _, uri := range []string{"", "http://x/y", "cap:///convert", "cap://"} {
		if _, err := AuthorityFromURI(uri); err == nil {
			t.Errorf("expected error for %q", uri)
		}
	}
}

func TestStaticOracle(t *testing.T) {
	signer := testSigner(t, 0x05)
	oracle := StaticOracle{"acme-corp": signer}

	got, err := oracle.LookupOwnerKey(context.Background(), "acme-corp")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != signer {
		t.Fatalf("owner key mismatch")
	}

	if _, err := oracle.LookupOwnerKey(context.Background(), "unknown"); !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("expected ErrOwnerNotFound, got %v", err)
	}
}
