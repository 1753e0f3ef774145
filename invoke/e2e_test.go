package invoke

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"xdao.co/capres/advert"
	"xdao.co/capres/conflict"
	"xdao.co/capres/envelope"
	"xdao.co/capres/keys"
	"xdao.co/capres/store"
)

func signConvertAdvert(t *testing.T, kp *keys.Keypair, uri, version string) []byte {
	t.Helper()
	raw, err := advert.Sign(advert.Document{
		Meta: map[string]string{"Spec": advert.SpecID, "Version": "1"},
		Capability: map[string]string{
			"Name":           "convert",
			"URI":            uri,
			"Version":        version,
			"Type-Signature": "(input:bytes, format:string) -> bytes",
		},
		Provider: map[string]string{"Endpoint": "bufnet"},
	}, kp, keys.HashSHA256)
	require.NoError(t, err)
	return raw
}

// Two providers advertise convert at 1.2.3 and 1.5.0. A caller constrained
// to ^1.0.0 matches both, gets the ambiguity pushed back with both
// candidates, picks one explicitly, and completes a signed invocation
// against that provider.
func TestAmbiguousCapabilityThenExplicitInvocation(t *testing.T) {
	providerA := testKeypair(t, 0x0A)
	providerB := testKeypair(t, 0x0B)

	mem := store.NewMemory()
	cidA, err := mem.Put(signConvertAdvert(t, providerA, "cap://alpha.example/convert", "1.2.3"))
	require.NoError(t, err)
	cidB, err := mem.Put(signConvertAdvert(t, providerB, "cap://beta.example/convert", "1.5.0"))
	require.NoError(t, err)

	heads, err := mem.ListByName("convert")
	require.NoError(t, err)
	require.Len(t, heads, 2)

	resolver := &conflict.Resolver{Log: zerolog.Nop()}
	res, err := resolver.Resolve(context.Background(), conflict.Request{
		Report: conflict.Report{
			Conflict:     conflict.TypeCapabilityVersion,
			Severity:     conflict.SeverityMedium,
			Participants: heads,
		},
		VersionConstraint: "^1.0.0",
	})
	require.NoError(t, err)
	require.Equal(t, conflict.OutcomeRequiresUserInput, res.Outcome)
	require.Equal(t, conflict.CodeAmbiguousCapability, res.Code)
	require.ElementsMatch(t, []string{cidA, cidB}, res.Candidates)

	// The caller picks provider A out of the candidate set.
	chosen, err := mem.Get(cidA)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", chosen.Version())

	fx := newFixtureWith(t, providerA)

	resp, err := fx.client.Invoke(context.Background(), Target{
		Endpoint:    chosen.Endpoint(),
		Capability:  chosen.Name(),
		ProviderKey: chosen.OwnerKey(),
		Token:       fx.token,
	}, map[string]envelope.TypedValue{
		"input":  envelope.Bytes([]byte("payload")),
		"format": envelope.String("jpeg"),
	})
	require.NoError(t, err)
	require.Equal(t, envelope.StatusSuccess, resp.Status)
	require.Equal(t, []byte("converted:payload"), resp.Result.Bytes)
}

// Narrowing the constraint to exactly one provider resolves automatically
// without user input.
func TestSelectionNarrowedToSingleProvider(t *testing.T) {
	providerA := testKeypair(t, 0x0A)
	providerB := testKeypair(t, 0x0B)

	mem := store.NewMemory()
	_, err := mem.Put(signConvertAdvert(t, providerA, "cap://alpha.example/convert", "1.2.3"))
	require.NoError(t, err)
	_, err = mem.Put(signConvertAdvert(t, providerB, "cap://beta.example/convert", "1.5.0"))
	require.NoError(t, err)

	heads, err := mem.ListByName("convert")
	require.NoError(t, err)

	resolver := &conflict.Resolver{Log: zerolog.Nop()}
	res, err := resolver.Resolve(context.Background(), conflict.Request{
		Report: conflict.Report{
			Conflict:     conflict.TypeCapabilityVersion,
			Severity:     conflict.SeverityMedium,
			Participants: heads,
		},
		VersionConstraint: ">=1.3.0 <2.0.0",
	})
	require.NoError(t, err)
	require.Equal(t, conflict.OutcomeAutomatic, res.Outcome)
	require.NotNil(t, res.Selected)
	require.Equal(t, "1.5.0", res.Selected.Version())
}
