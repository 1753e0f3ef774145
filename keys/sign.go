package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// Supported signature algorithms.
const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// Supported digest algorithms.
const (
	HashSHA256  = "sha256"
	HashSHA512  = "sha512"
	HashSHA3256 = "sha3-256"
)

// ErrSignatureInvalid is returned by Verify when the signature does not match.
var ErrSignatureInvalid = errors.New("keys: signature invalid")

// DigestFor hashes message with the named digest algorithm.
func DigestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case HashSHA256:
		s := sha256.Sum256(message)
		return s[:], nil
	case HashSHA512:
		s := sha512.Sum512(message)
		return s[:], nil
	case HashSHA3256:
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// Keypair holds a signing key for one of the supported algorithms.
type Keypair struct {
	alg    string
	public []byte
	ed     ed25519.PrivateKey
	dl     *mode3.PrivateKey
}

// GenerateEd25519 returns a fresh Ed25519 keypair.
func GenerateEd25519(rand io.Reader) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Keypair{alg: AlgEd25519, public: pub, ed: priv}, nil
}

// Ed25519FromSeed builds a keypair deterministically from a 32-byte seed.
func Ed25519FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{alg: AlgEd25519, public: priv.Public().(ed25519.PublicKey), ed: priv}, nil
}

// GenerateDilithium3 returns a fresh Dilithium3 (post-quantum) keypair.
func GenerateDilithium3(rand io.Reader) (*Keypair, error) {
	pub, priv, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Keypair{alg: AlgDilithium3, public: raw, dl: priv}, nil
}

func (k *Keypair) Algorithm() string { return k.alg }

// PublicKey returns the raw public key bytes.
func (k *Keypair) PublicKey() []byte { return append([]byte(nil), k.public...) }

// Ed25519Private exposes the underlying Ed25519 private key, or nil for
// other algorithms. Token issuance needs the concrete key type.
func (k *Keypair) Ed25519Private() ed25519.PrivateKey { return k.ed }

// SignerKey returns the "<alg>:<base64>" signer-key string.
func (k *Keypair) SignerKey() string {
	return k.alg + ":" + base64.StdEncoding.EncodeToString(k.public)
}

// Sign returns the raw signature over hash(message).
func (k *Keypair) Sign(hashAlg string, message []byte) ([]byte, error) {
	digest, err := DigestFor(hashAlg, message)
	if err != nil {
		return nil, err
	}
	switch k.alg {
	case AlgEd25519:
		return ed25519.Sign(k.ed, digest), nil
	case AlgDilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dl, digest, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %q", k.alg)
	}
}

// SignerKeyFromPublic encodes raw public key bytes into a signer-key string.
func SignerKeyFromPublic(alg string, pub []byte) (string, error) {
	switch alg {
	case AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return "", fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return "", fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported signature algorithm: %q", alg)
	}
	return alg + ":" + base64.StdEncoding.EncodeToString(pub), nil
}

// ParseSignerKey splits a signer-key string into algorithm and raw public key.
func ParseSignerKey(signer string) (alg string, pub []byte, err error) {
	alg, enc, ok := strings.Cut(signer, ":")
	if !ok {
		return "", nil, errors.New("invalid signer-key encoding")
	}
	pub, err = decodeBase64(enc)
	if err != nil {
		return "", nil, fmt.Errorf("invalid signer-key base64: %w", err)
	}
	switch alg {
	case AlgEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return "", nil, errors.New("invalid ed25519 public key length")
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return "", nil, fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("unsupported signer-key algorithm: %q", alg)
	}
	return alg, pub, nil
}

// Verify checks sig against hash(message) under the signer-key string.
// Returns ErrSignatureInvalid when the signature does not verify.
func Verify(signerKey, hashAlg string, message, sig []byte) error {
	alg, pub, err := ParseSignerKey(signerKey)
	if err != nil {
		return err
	}
	digest, err := DigestFor(hashAlg, message)
	if err != nil {
		return err
	}
	switch alg {
	case AlgEd25519:
		if len(sig) != ed25519.SignatureSize {
			return errors.New("invalid ed25519 signature length")
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
			return ErrSignatureInvalid
		}
		return nil
	case AlgDilithium3:
		if len(sig) != mode3.SignatureSize {
			return errors.New("invalid dilithium3 signature length")
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if !mode3.Verify(&pk, digest, sig) {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return fmt.Errorf("unsupported signer-key algorithm: %q", alg)
	}
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
