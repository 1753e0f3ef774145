package advert

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"xdao.co/capres/identity"
)

// ValidateCore enforces the required capability fields. It is separate from
// Parse so callers can decide whether missing semantics are parse failures or
// detector exclusions.
func ValidateCore(a *Advertisement) error {
	capSec, ok := a.Sections["CAPABILITY"]
	if !ok {
		return newError(KindValidation, "CAAF-VAL-101", "missing CAPABILITY")
	}
	required := []struct {
		ruleID, key string
	}{
		{"CAAF-VAL-201", "Name"},
		{"CAAF-VAL-202", "URI"},
		{"CAAF-VAL-203", "Version"},
		{"CAAF-VAL-204", "Type-Signature"},
	}
	for _, r := range required {
		if capSec.Pairs[r.key] == "" {
			return newError(KindValidation, r.ruleID, fmt.Sprintf("missing required capability field: %s", r.key))
		}
	}

	if _, err := identity.AuthorityFromURI(a.URI()); err != nil {
		return wrapError(KindValidation, "CAAF-VAL-211", "invalid capability URI", err)
	}
	if _, err := semver.StrictNewVersion(a.Version()); err != nil {
		return wrapError(KindValidation, "CAAF-VAL-212", "invalid semantic version", err)
	}
	if v := a.BackwardCompatibleWith(); v != "" {
		if _, err := semver.StrictNewVersion(v); err != nil {
			return wrapError(KindValidation, "CAAF-VAL-213", "invalid Backward-Compatible-With version", err)
		}
	}
	if v := a.ForwardCompatibleWith(); v != "" {
		if _, err := semver.StrictNewVersion(v); err != nil {
			return wrapError(KindValidation, "CAAF-VAL-214", "invalid Forward-Compatible-With version", err)
		}
	}

	provider, ok := a.Sections["PROVIDER"]
	if !ok || provider.Pairs["Endpoint"] == "" {
		return newError(KindValidation, "CAAF-VAL-221", "missing provider Endpoint")
	}
	return nil
}

// SemVer returns the parsed semantic version. ValidateCore must have
// succeeded for the result to be meaningful.
func (a *Advertisement) SemVer() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(a.Version())
	if err != nil {
		return nil, wrapError(KindValidation, "CAAF-VAL-212", "invalid semantic version", err)
	}
	return v, nil
}
