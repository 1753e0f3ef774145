package envelope

import (
	"encoding/base64"
	"errors"
	"time"

	"xdao.co/capres/keys"
)

// Envelope hash algorithm. Fixed so two implementations can never disagree
// about the digest of the canonical bytes.
const envelopeHash = keys.HashSHA256

var (
	ErrSignatureMissing = errors.New("envelope: signature missing")
	ErrSignatureInvalid = errors.New("envelope: signature invalid")
	ErrIdentityMismatch = errors.New("envelope: signature key does not match claimed caller identity")
	ErrTimestampTooOld  = errors.New("envelope: timestamp too old")
	ErrTimestampTooNew  = errors.New("envelope: timestamp too new")
)

// Freshness window for request timestamps.
const (
	MaxAge  = 300 * time.Second
	MaxSkew = 60 * time.Second
)

// CheckFreshness accepts a timestamp iff now-ts <= MaxAge and ts-now <= MaxSkew.
func CheckFreshness(tsUnix int64, now time.Time) error {
	ts := time.Unix(tsUnix, 0)
	if now.Sub(ts) > MaxAge {
		return ErrTimestampTooOld
	}
	if ts.Sub(now) > MaxSkew {
		return ErrTimestampTooNew
	}
	return nil
}

// SignRequest signs the canonical request scope with kp and attaches the
// resulting signature. The caller identity must be kp's signer key.
func SignRequest(req *CommandRequest, kp *keys.Keypair) error {
	if req.CallerIdentity != kp.SignerKey() {
		return ErrIdentityMismatch
	}
	canonical, err := CanonicalRequestBytes(req)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(envelopeHash, canonical)
	if err != nil {
		return err
	}
	req.Signature = &Signature{
		Algorithm: kp.Algorithm(),
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey()),
		Value:     sig,
	}
	return nil
}

// VerifyRequest checks the request signature against the re-encoded canonical
// scope and enforces that the signing key is the claimed caller identity.
func VerifyRequest(req *CommandRequest) error {
	if req.Signature == nil || len(req.Signature.Value) == 0 {
		return ErrSignatureMissing
	}
	signerKey := req.Signature.Algorithm + ":" + req.Signature.PublicKey
	if signerKey != req.CallerIdentity {
		return ErrIdentityMismatch
	}
	canonical, err := CanonicalRequestBytes(req)
	if err != nil {
		return err
	}
	if err := keys.Verify(signerKey, envelopeHash, canonical, req.Signature.Value); err != nil {
		if errors.Is(err, keys.ErrSignatureInvalid) {
			return ErrSignatureInvalid
		}
		return err
	}
	return nil
}

// SignResponse signs the canonical response scope with the provider key.
func SignResponse(resp *CommandResponse, kp *keys.Keypair) error {
	canonical, err := CanonicalResponseBytes(resp)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(envelopeHash, canonical)
	if err != nil {
		return err
	}
	resp.Signature = &Signature{
		Algorithm: kp.Algorithm(),
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey()),
		Value:     sig,
	}
	return nil
}

// VerifyResponse checks the response signature under the expected provider
// signer key. A missing or invalid signature is fatal for the invocation.
func VerifyResponse(resp *CommandResponse, providerKey string) error {
	if resp.Signature == nil || len(resp.Signature.Value) == 0 {
		return ErrSignatureMissing
	}
	signerKey := resp.Signature.Algorithm + ":" + resp.Signature.PublicKey
	if providerKey != "" && signerKey != providerKey {
		return ErrIdentityMismatch
	}
	canonical, err := CanonicalResponseBytes(resp)
	if err != nil {
		return err
	}
	if err := keys.Verify(signerKey, envelopeHash, canonical, resp.Signature.Value); err != nil {
		if errors.Is(err, keys.ErrSignatureInvalid) {
			return ErrSignatureInvalid
		}
		return err
	}
	return nil
}
