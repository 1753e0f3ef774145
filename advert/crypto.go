package advert

import (
	"encoding/base64"
	"errors"
	"strings"

	"xdao.co/capres/keys"
)

// Verify checks the advertisement signature.
//
// The signed scope is the preamble through the end of the PROVIDER section;
// the CRYPTO section carries the signature and is excluded. Verification
// re-parses the canonical bytes so canonicalization cannot be bypassed via a
// manually constructed Advertisement or mutated sections.
func (a *Advertisement) Verify() error {
	if a == nil {
		return newError(KindCrypto, "CAAF-CRYPTO-001", "nil advertisement")
	}
	parsed, err := Parse(a.raw)
	if err != nil {
		return err
	}
	a = parsed

	sigAlg := a.SignatureAlg()
	if sigAlg == "" {
		return newError(KindCrypto, "CAAF-CRYPTO-101", "missing Signature-Alg")
	}
	hashAlg := a.HashAlg()
	if hashAlg == "" {
		return newError(KindCrypto, "CAAF-CRYPTO-102", "missing Hash-Alg")
	}
	owner := a.OwnerKey()
	if owner == "" {
		return newError(KindCrypto, "CAAF-CRYPTO-103", "missing Owner-Key")
	}
	ownerAlg, _, ok := strings.Cut(owner, ":")
	if !ok {
		return newError(KindCrypto, "CAAF-CRYPTO-111", "invalid Owner-Key encoding")
	}
	if ownerAlg != sigAlg {
		return newError(KindCrypto, "CAAF-CRYPTO-121", "Owner-Key alg does not match Signature-Alg")
	}

	sigB64 := a.Signature()
	if sigB64 == "" {
		return newError(KindCrypto, "CAAF-CRYPTO-104", "missing Signature")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return wrapError(KindCrypto, "CAAF-CRYPTO-131", "invalid signature base64", err)
	}

	if err := keys.Verify(owner, hashAlg, a.signed, sig); err != nil {
		if errors.Is(err, keys.ErrSignatureInvalid) {
			return newError(KindCrypto, "CAAF-CRYPTO-401", "signature invalid")
		}
		return wrapError(KindCrypto, "CAAF-CRYPTO-301", "signature verification failed", err)
	}
	return nil
}

// Sign renders doc with a signature computed by kp over the signed scope and
// returns the final canonical bytes. Any Crypto pairs already present in doc
// are replaced.
func Sign(doc Document, kp *keys.Keypair, hashAlg string) ([]byte, error) {
	doc.Crypto = map[string]string{
		"Hash-Alg":      hashAlg,
		"Owner-Key":     kp.SignerKey(),
		"Signature":     "0",
		"Signature-Alg": kp.Algorithm(),
	}
	pre, err := Render(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := Parse(pre)
	if err != nil {
		return nil, err
	}
	sig, err := kp.Sign(hashAlg, parsed.SignedBytes())
	if err != nil {
		return nil, wrapError(KindCrypto, "CAAF-CRYPTO-501", "signing failed", err)
	}
	doc.Crypto["Signature"] = base64.StdEncoding.EncodeToString(sig)
	out, err := Render(doc)
	if err != nil {
		return nil, err
	}
	final, err := Parse(out)
	if err != nil {
		return nil, err
	}
	if err := final.Verify(); err != nil {
		return nil, err
	}
	return out, nil
}
