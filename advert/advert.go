// Package advert implements the Canonical Advertisement Format (CAAF): the
// signed, content-addressed text documents by which providers publish
// capabilities into the shared discovery namespace.
//
// A CAAF document is canonical by construction: Parse rejects any input whose
// bytes differ from the canonical rendering, so hashing, signing, and CID
// derivation are deterministic. Advertisements are never mutated; a provider
// replaces one by publishing a successor that declares Supersedes.
package advert

import (
	"bytes"
	"unicode/utf8"

	"xdao.co/capres/identity"
)

// SectionOrder defines the canonical order of CAAF sections.
var SectionOrder = []string{"META", "CAPABILITY", "PROVIDER", "CRYPTO"}

const (
	Preamble  = "-----BEGIN XDAO CAPABILITY ADVERTISEMENT-----"
	Postamble = "-----END XDAO CAPABILITY ADVERTISEMENT-----"
)

// SpecID is the value of META: Spec for this format revision.
const SpecID = "xdao-caaf-1"

// Advertisement is a parsed CAAF document.
type Advertisement struct {
	Sections map[string]Section
	raw      []byte // canonical bytes
	signed   []byte // bytes covered by the signature (preamble..end of PROVIDER)
}

type Section struct {
	Name  string
	Pairs map[string]string // key-value pairs, sorted lexicographically
}

// Parse parses a CAAF document and enforces canonical serialization rules.
// Non-canonical inputs are rejected.
func Parse(data []byte) (*Advertisement, error) {
	if !utf8.Valid(data) {
		return nil, newError(KindParse, "CAAF-STR-001", "CAAF must be valid UTF-8")
	}
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, newError(KindParse, "CAAF-STR-002", "BOM not allowed")
	}
	if bytes.Contains(data, []byte("\r")) {
		return nil, newError(KindParse, "CAAF-STR-003", "CR line endings not allowed")
	}
	if len(data) > 0 && data[len(data)-1] == '\n' {
		return nil, newError(KindCanonical, "CAAF-CANON-001", "trailing newline not allowed")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			return nil, newError(KindCanonical, "CAAF-CANON-002", "trailing whitespace forbidden")
		}
	}

	sections, err := parseSections(data)
	if err != nil {
		return nil, err
	}

	// Enforce full canonical byte identity by re-rendering and comparing.
	// This makes Parse strictly reject any non-canonical input.
	doc := Document{
		Meta:       sections["META"].Pairs,
		Capability: sections["CAPABILITY"].Pairs,
		Provider:   sections["PROVIDER"].Pairs,
		Crypto:     sections["CRYPTO"].Pairs,
	}
	canonical, rerr := Render(doc)
	if rerr != nil {
		return nil, rerr
	}
	if !bytes.Equal(data, canonical) {
		return nil, newError(KindCanonical, "CAAF-CANON-010", "non-canonical CAAF")
	}

	// Signed bytes: preamble through end of PROVIDER, inclusive of the blank
	// separator line. Render emits exactly one blank line before CRYPTO.
	marker := []byte("\nCRYPTO\n")
	idx := bytes.Index(canonical, marker)
	if idx < 0 {
		return nil, newError(KindInternal, "CAAF-INTERNAL-001", "cannot determine signature scope")
	}
	signed := canonical[:idx+1]
	return &Advertisement{Sections: sections, raw: canonical, signed: signed}, nil
}

// Canonicalize is the mandatory canonicalization choke point for CAAF.
// All hashing, signing, CID derivation, and detector ingestion pass through
// it; any non-canonical input is rejected.
func Canonicalize(input []byte) ([]byte, error) {
	a, err := Parse(input)
	if err != nil {
		return nil, err
	}
	// Copy so callers cannot mutate internal slices.
	return append([]byte(nil), a.raw...), nil
}

// Raw returns the canonical bytes.
func (a *Advertisement) Raw() []byte { return append([]byte(nil), a.raw...) }

// SignedBytes returns the byte range covered by the signature.
func (a *Advertisement) SignedBytes() []byte { return append([]byte(nil), a.signed...) }

// CID returns the content identifier of the canonical bytes.
func (a *Advertisement) CID() string {
	return identity.CIDString(a.raw)
}

func (a *Advertisement) capability(key string) string {
	if sec, ok := a.Sections["CAPABILITY"]; ok {
		return sec.Pairs[key]
	}
	return ""
}

func (a *Advertisement) crypto(key string) string {
	if sec, ok := a.Sections["CRYPTO"]; ok {
		return sec.Pairs[key]
	}
	return ""
}

// URI returns the capability URI the advertisement claims.
func (a *Advertisement) URI() string { return a.capability("URI") }

// Name returns the capability name.
func (a *Advertisement) Name() string { return a.capability("Name") }

// Version returns the declared semantic version string.
func (a *Advertisement) Version() string { return a.capability("Version") }

// TypeSignature returns the declared operation type signature.
func (a *Advertisement) TypeSignature() string { return a.capability("Type-Signature") }

// Supersedes returns the CID of the advertisement this one replaces, or "".
func (a *Advertisement) Supersedes() string { return a.capability("Supersedes") }

// BackwardCompatibleWith returns the oldest client major version the
// provider declares support for, or "".
func (a *Advertisement) BackwardCompatibleWith() string {
	return a.capability("Backward-Compatible-With")
}

// ForwardCompatibleWith returns the newest server major version a client-side
// advertisement declares support for, or "".
func (a *Advertisement) ForwardCompatibleWith() string {
	return a.capability("Forward-Compatible-With")
}

// Endpoint returns the provider's invocation endpoint.
func (a *Advertisement) Endpoint() string {
	if sec, ok := a.Sections["PROVIDER"]; ok {
		return sec.Pairs["Endpoint"]
	}
	return ""
}

// OwnerKey returns the signer-key string of the owning authority.
func (a *Advertisement) OwnerKey() string { return a.crypto("Owner-Key") }

// SignatureAlg returns the declared signature algorithm.
func (a *Advertisement) SignatureAlg() string { return a.crypto("Signature-Alg") }

// HashAlg returns the declared digest algorithm.
func (a *Advertisement) HashAlg() string { return a.crypto("Hash-Alg") }

// Signature returns the base64 signature value.
func (a *Advertisement) Signature() string { return a.crypto("Signature") }

func isSectionHeader(line string) bool {
	for _, s := range SectionOrder {
		if line == s {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
