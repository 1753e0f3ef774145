package conflict

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"xdao.co/capres/advert"
	"xdao.co/capres/store"
	"xdao.co/capres/typesig"
)

// Exclusion records an advertisement dropped from detection, with the reason.
// Detection over a partial snapshot reports what it saw and what it dropped;
// it never turns missing data into a false "no conflicts".
type Exclusion struct {
	CID    string
	Reason string
}

// Detector scans an advertisement store snapshot for conflicts. Read-only.
type Detector struct {
	Store store.Store

	// ClientVersions maps capability name to the client version currently in
	// use, for schema-evolution detection. Optional.
	ClientVersions map[string]string

	Now func() time.Time
	Log zerolog.Logger
}

// Detect groups the current snapshot and emits one report per conflict found,
// in deterministic order. Advertisements failing core validation or signature
// verification are excluded with reasons and do not participate.
func (d *Detector) Detect() ([]Report, []Exclusion, error) {
	snapshot, err := d.Store.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	at := now().UTC()

	var ads []*advert.Advertisement
	var exclusions []Exclusion
	for _, a := range snapshot {
		if verr := advert.ValidateCore(a); verr != nil {
			exclusions = append(exclusions, Exclusion{CID: a.CID(), Reason: verr.Error()})
			continue
		}
		if verr := a.Verify(); verr != nil {
			exclusions = append(exclusions, Exclusion{CID: a.CID(), Reason: "signature invalid"})
			continue
		}
		ads = append(ads, a)
	}
	for _, ex := range exclusions {
		d.Log.Warn().Str("cid", ex.CID).Str("reason", ex.Reason).Msg("advertisement excluded from detection")
	}

	var reports []Report
	reports = append(reports, d.namingConflicts(ads, at)...)
	reports = append(reports, d.versionConflicts(ads, at)...)
	reports = append(reports, d.typeConflicts(ads, at)...)
	reports = append(reports, d.schemaEvolutionConflicts(ads, at)...)
	return reports, exclusions, nil
}

// namingConflicts flags URIs with more than one live advertisement.
func (d *Detector) namingConflicts(ads []*advert.Advertisement, at time.Time) []Report {
	byURI := groupBy(ads, func(a *advert.Advertisement) string { return a.URI() })
	var out []Report
	for _, uri := range sortedKeys(byURI) {
		group := byURI[uri]
		if len(group) < 2 {
			continue
		}
		out = append(out, Report{
			Conflict:       TypeNaming,
			Severity:       SeverityHigh,
			Participants:   group,
			DetectedAt:     at,
			ChosenStrategy: "authority-oracle",
		})
	}
	return out
}

// versionConflicts flags capability names advertised at more than one distinct
// major version. Minor and patch divergence is not a conflict.
func (d *Detector) versionConflicts(ads []*advert.Advertisement, at time.Time) []Report {
	byName := groupBy(ads, func(a *advert.Advertisement) string { return a.Name() })
	var out []Report
	for _, name := range sortedKeys(byName) {
		group := byName[name]
		majors := make(map[uint64]bool)
		ok := true
		for _, a := range group {
			v, err := a.SemVer()
			if err != nil {
				ok = false
				break
			}
			majors[v.Major()] = true
		}
		if !ok || len(majors) < 2 {
			continue
		}
		out = append(out, Report{
			Conflict:       TypeCapabilityVersion,
			Severity:       SeverityMedium,
			Participants:   group,
			DetectedAt:     at,
			ChosenStrategy: "explicit-selection",
		})
	}
	return out
}

// typeConflicts flags capability names whose independently authored signatures
// declare differing shapes. Same parameter names with differing types would
// corrupt silently, so those score Critical.
func (d *Detector) typeConflicts(ads []*advert.Advertisement, at time.Time) []Report {
	byName := groupBy(ads, func(a *advert.Advertisement) string { return a.Name() })
	var out []Report
	for _, name := range sortedKeys(byName) {
		group := byName[name]
		if len(group) < 2 {
			continue
		}
		sigs := make([]typesig.Signature, len(group))
		ok := true
		for i, a := range group {
			sig, err := typesig.ParseSignature(a.TypeSignature())
			if err != nil {
				ok = false
				break
			}
			sigs[i] = sig
		}
		if !ok {
			continue
		}
		differ := false
		silent := false
		for i := 1; i < len(sigs); i++ {
			if typesig.SameShape(sigs[0], sigs[i]) {
				continue
			}
			differ = true
			if sameParamNames(sigs[0], sigs[i]) {
				silent = true
			}
		}
		if !differ {
			continue
		}
		severity := SeverityHigh
		if silent {
			severity = SeverityCritical
		}
		out = append(out, Report{
			Conflict:       TypeType,
			Severity:       severity,
			Participants:   group,
			DetectedAt:     at,
			ChosenStrategy: "type-mapping",
		})
	}
	return out
}

// schemaEvolutionConflicts flags providers whose major version differs from
// the client version currently in use for the same capability.
func (d *Detector) schemaEvolutionConflicts(ads []*advert.Advertisement, at time.Time) []Report {
	if len(d.ClientVersions) == 0 {
		return nil
	}
	var out []Report
	for _, a := range ads {
		clientVersion, ok := d.ClientVersions[a.Name()]
		if !ok {
			continue
		}
		serverMajor, err := majorOf(a.Version())
		if err != nil {
			continue
		}
		clientMajor, err := majorOf(clientVersion)
		if err != nil {
			continue
		}
		if serverMajor == clientMajor {
			continue
		}
		out = append(out, Report{
			Conflict:       TypeSchemaEvolution,
			Severity:       SeverityMedium,
			Participants:   []*advert.Advertisement{a},
			DetectedAt:     at,
			ChosenStrategy: "compatibility-matrix",
		})
	}
	return out
}

func sameParamNames(a, b typesig.Signature) bool {
	if len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i].Name != b.Params[i].Name {
			return false
		}
	}
	return true
}

// groupBy preserves input order within each group; snapshots are sorted by
// CID, so groups are too.
func groupBy(ads []*advert.Advertisement, key func(*advert.Advertisement) string) map[string][]*advert.Advertisement {
	out := make(map[string][]*advert.Advertisement)
	for _, a := range ads {
		k := key(a)
		out[k] = append(out[k], a)
	}
	return out
}

func sortedKeys(m map[string][]*advert.Advertisement) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
