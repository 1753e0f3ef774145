package identity

import (
	"context"
	"errors"
)

// Oracle answers "which public key owns this authority identifier".
//
// Contract:
//   - LookupOwnerKey returns the signer-key string of the expected owner.
//   - Unknown identifiers MUST return ErrOwnerNotFound.
//   - Any other error means the oracle was unreachable; callers must treat
//     that as unresolved, never as a match.
type Oracle interface {
	LookupOwnerKey(ctx context.Context, identifier string) (string, error)
}

var ErrOwnerNotFound = errors.New("identity: owner key not found")

// StaticOracle is a fixed identifier-to-signer-key table.
type StaticOracle map[string]string

func (o StaticOracle) LookupOwnerKey(_ context.Context, identifier string) (string, error) {
	key, ok := o[identifier]
	if !ok {
		return "", ErrOwnerNotFound
	}
	return key, nil
}

// ContentAddressedOracle resolves identifiers that are themselves derived
// from the owner's public key. It never needs out-of-band state: the
// identifier is valid exactly when it matches the candidate key, so lookup
// defers the decision to MatchesKey.
type ContentAddressedOracle struct{}

func (ContentAddressedOracle) LookupOwnerKey(_ context.Context, identifier string) (string, error) {
	// The identifier does not reveal the key; ownership is checked by
	// re-deriving the identifier from a candidate key.
	return "", ErrOwnerNotFound
}

// MatchesKey reports whether identifier is the content-addressed identifier
// of signerKey.
func MatchesKey(identifier, signerKey string) bool {
	derived, err := ContentAddressedID(signerKey)
	if err != nil {
		return false
	}
	return derived == identifier
}
