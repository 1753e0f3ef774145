// Package keys provides participant key handling for capres.
//
// It covers the deterministic primitives every signed artifact depends on
// (signer-key string formatting, digest selection, sign/verify for the
// supported algorithms) plus local-first conveniences: deterministic subkey
// derivation and a filesystem-backed key store used by the CLI and daemon.
//
// The signer-key string format is "<alg>:<base64(publicKey)>", with alg one
// of ed25519 or dilithium3. Signatures are always computed over a digest of
// the canonical message bytes, never the raw bytes.
package keys
