// Package identity provides content-addressed identifiers and the authority
// oracle used to arbitrate capability namespace ownership.
package identity

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"xdao.co/capres/keys"
)

// CIDForBytes returns a CIDv1 (raw + sha2-256) derived from data.
func CIDForBytes(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// CIDString returns the CIDv1 string for data, or "" on error.
// multihash.Sum with SHA2_256 and default length cannot fail for valid input.
func CIDString(data []byte) string {
	id, err := CIDForBytes(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// ContentAddressedID derives a provider identifier from a signer-key string:
// the CID of the raw public key bytes. Two providers share an identifier only
// if they share a public key, which removes naming conflicts structurally.
func ContentAddressedID(signerKey string) (string, error) {
	_, pub, err := keys.ParseSignerKey(signerKey)
	if err != nil {
		return "", err
	}
	id, err := CIDForBytes(pub)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// AuthorityFromURI extracts the stable authority identifier embedded in a
// capability URI of the form cap://<identifier>/<path>.
func AuthorityFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "cap://")
	if !ok {
		return "", fmt.Errorf("invalid capability URI %q: missing cap:// scheme", uri)
	}
	ident, _, _ := strings.Cut(rest, "/")
	if ident == "" {
		return "", fmt.Errorf("invalid capability URI %q: empty authority identifier", uri)
	}
	return ident, nil
}
