// Package token implements capability tokens: signed, time-bounded
// credentials granting a caller a specific set of capability names.
//
// Tokens are EdDSA-signed JWTs. Verification is fail-closed: a token missing
// its expiry or id, outside its validity window, revoked, or lacking the
// required capability is rejected with a classified error.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid            = errors.New("token: invalid")
	ErrTokenExpired            = errors.New("token: expired")
	ErrTokenNotYetValid        = errors.New("token: not yet valid")
	ErrTokenRevoked            = errors.New("token: revoked")
	ErrInsufficientPermissions = errors.New("token: capability not granted")
)

// Claims are the validated contents of a capability token.
type Claims struct {
	Subject      string
	Capabilities []string
	IssuedAt     time.Time
	NotBefore    time.Time
	ExpiresAt    time.Time
	TokenID      string
	Constraints  map[string]string
}

// wireClaims is the internal claims type used for JWT encoding.
type wireClaims struct {
	jwt.RegisteredClaims
	Capabilities []string          `json:"capabilities"`
	Constraints  map[string]string `json:"constraints,omitempty"`
}

// Issuer mints capability tokens.
type Issuer struct {
	Key ed25519.PrivateKey
	Now func() time.Time
}

// IssueOptions bound a minted token.
type IssueOptions struct {
	Subject      string
	Capabilities []string
	TTL          time.Duration
	NotBefore    time.Time // zero means valid immediately
	Constraints  map[string]string
}

// Issue mints a compact token. The token id is generated and returned inside
// the parsed claims so issuers can record it for later revocation.
func (i *Issuer) Issue(opts IssueOptions) (string, Claims, error) {
	if len(i.Key) != ed25519.PrivateKeySize {
		return "", Claims{}, errors.New("token: issuer key not configured")
	}
	if opts.Subject == "" {
		return "", Claims{}, errors.New("token: subject is required")
	}
	if len(opts.Capabilities) == 0 {
		return "", Claims{}, errors.New("token: at least one capability is required")
	}
	if opts.TTL <= 0 {
		return "", Claims{}, errors.New("token: TTL must be positive")
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	issuedAt := now().UTC()
	notBefore := issuedAt
	if !opts.NotBefore.IsZero() {
		notBefore = opts.NotBefore.UTC()
	}
	expiresAt := issuedAt.Add(opts.TTL)
	tokenID := uuid.NewString()

	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
		Capabilities: opts.Capabilities,
		Constraints:  opts.Constraints,
	}
	compact, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, wc).SignedString(i.Key)
	if err != nil {
		return "", Claims{}, fmt.Errorf("token: signing failed: %w", err)
	}
	return compact, Claims{
		Subject:      opts.Subject,
		Capabilities: opts.Capabilities,
		IssuedAt:     issuedAt,
		NotBefore:    notBefore,
		ExpiresAt:    expiresAt,
		TokenID:      tokenID,
		Constraints:  opts.Constraints,
	}, nil
}

// Verifier validates capability tokens against the issuer's public key and a
// revoked-id set. Safe for concurrent use.
type Verifier struct {
	Key ed25519.PublicKey
	Now func() time.Time

	mu      sync.RWMutex
	revoked map[string]bool
}

// Revoke marks a token id as revoked.
func (v *Verifier) Revoke(tokenID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.revoked == nil {
		v.revoked = make(map[string]bool)
	}
	v.revoked[tokenID] = true
}

func (v *Verifier) isRevoked(tokenID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.revoked[tokenID]
}

// Verify parses and validates a compact token, requiring that it grants
// capability. Time-based claims are checked against v.Now so the freshness
// decision is testable.
func (v *Verifier) Verify(compact, capability string) (Claims, error) {
	compact = strings.TrimSpace(compact)
	if compact == "" {
		return Claims{}, fmt.Errorf("missing capability token: %w", ErrTokenInvalid)
	}
	if len(v.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("token: verifier key not configured")
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	var parsed wireClaims
	_, err := jwt.ParseWithClaims(compact, &parsed, func(t *jwt.Token) (any, error) {
		return v.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Subject == "" {
		return Claims{}, fmt.Errorf("token subject is required: %w", ErrTokenInvalid)
	}
	if parsed.ID == "" {
		return Claims{}, fmt.Errorf("token jti is required: %w", ErrTokenInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("token exp is required: %w", ErrTokenInvalid)
	}

	at := now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(at) {
		return Claims{}, ErrTokenExpired
	}
	if parsed.NotBefore != nil && at.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, ErrTokenNotYetValid
	}
	if v.isRevoked(parsed.ID) {
		return Claims{}, ErrTokenRevoked
	}
	if capability != "" && !contains(parsed.Capabilities, capability) {
		return Claims{}, fmt.Errorf("capability %q: %w", capability, ErrInsufficientPermissions)
	}

	claims := Claims{
		Subject:      parsed.Subject,
		Capabilities: parsed.Capabilities,
		ExpiresAt:    parsed.ExpiresAt.Time.UTC(),
		TokenID:      parsed.ID,
		Constraints:  parsed.Constraints,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	return claims, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return fmt.Errorf("token signature is invalid: %w", ErrTokenInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("token alg is invalid: %w", ErrTokenInvalid)
	}
	return fmt.Errorf("token is malformed: %w", ErrTokenInvalid)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
