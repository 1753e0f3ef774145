package conflict

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Verdict is the outcome of a schema-evolution compatibility check.
type Verdict string

const (
	VerdictCompatible              Verdict = "Compatible"
	VerdictCompatibleWithUpgrade   Verdict = "CompatibleWithUpgrade"
	VerdictCompatibleWithDowngrade Verdict = "CompatibleWithDowngrade"
	VerdictIncompatible            Verdict = "Incompatible"
)

// CompatibilityInput describes one client/server version pairing.
//
// ServerBackwardWith is the oldest client version the server declares support
// for; ClientForwardWith is the newest server version the client declares
// support for. Either may be empty, meaning no such declaration.
type CompatibilityInput struct {
	ClientVersion      string
	ServerVersion      string
	ServerBackwardWith string
	ClientForwardWith  string
}

// CheckCompatibility runs the schema-evolution matrix:
// identical majors are Compatible; a client on an older major is
// CompatibleWithUpgrade only if the server declares backward compatibility
// reaching the client's version; a client on a newer major is
// CompatibleWithDowngrade only if the client declares forward compatibility
// reaching the server's version. Everything else is Incompatible.
func CheckCompatibility(in CompatibilityInput) (Verdict, error) {
	client, err := semver.StrictNewVersion(in.ClientVersion)
	if err != nil {
		return VerdictIncompatible, fmt.Errorf("client version %q: %w", in.ClientVersion, err)
	}
	server, err := semver.StrictNewVersion(in.ServerVersion)
	if err != nil {
		return VerdictIncompatible, fmt.Errorf("server version %q: %w", in.ServerVersion, err)
	}

	switch {
	case client.Major() == server.Major():
		return VerdictCompatible, nil
	case client.Major() < server.Major():
		if in.ServerBackwardWith == "" {
			return VerdictIncompatible, nil
		}
		oldest, err := majorOf(in.ServerBackwardWith)
		if err != nil {
			return VerdictIncompatible, fmt.Errorf("server backward-compatible-with %q: %w", in.ServerBackwardWith, err)
		}
		if client.Major() >= oldest {
			return VerdictCompatibleWithUpgrade, nil
		}
		return VerdictIncompatible, nil
	default:
		if in.ClientForwardWith == "" {
			return VerdictIncompatible, nil
		}
		newest, err := majorOf(in.ClientForwardWith)
		if err != nil {
			return VerdictIncompatible, fmt.Errorf("client forward-compatible-with %q: %w", in.ClientForwardWith, err)
		}
		if server.Major() <= newest {
			return VerdictCompatibleWithDowngrade, nil
		}
		return VerdictIncompatible, nil
	}
}

// majorOf parses a version string that may be a bare major ("2") or a full
// semantic version ("2.1.0") and returns its major component.
func majorOf(s string) (uint64, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return 0, err
	}
	return v.Major(), nil
}
