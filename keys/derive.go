package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
)

// DeriveSubjectSeed deterministically derives a subject-specific Ed25519 seed
// from a root seed. A provider typically derives one subkey per advertised
// capability so a leaked capability key never exposes the root.
func DeriveSubjectSeed(rootSeed []byte, subject string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := CheckSubject(subject); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("xdao-capres-kms-lite-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("subject:"))
	_, _ = h.Write([]byte(subject))
	sum := h.Sum(nil)
	if len(sum) < ed25519.SeedSize {
		return nil, errors.New("kdf output too short")
	}
	out := make([]byte, ed25519.SeedSize)
	copy(out, sum[:ed25519.SeedSize])
	return out, nil
}

// CheckSubject validates a subject label for use in derivation and file paths.
func CheckSubject(subject string) error {
	if subject == "" {
		return errors.New("subject cannot be empty")
	}
	for _, char := range subject {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' || char == '.' {
			continue
		}
		return fmt.Errorf("invalid character %q in subject", char)
	}
	return nil
}
