package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"xdao.co/capres/advert"
	"xdao.co/capres/consensus"
	"xdao.co/capres/envelope"
	"xdao.co/capres/identity"
)

// Outcome distinguishes resolutions the system applied on its own from
// resolutions that need an explicit caller choice.
type Outcome string

const (
	OutcomeAutomatic         Outcome = "Automatic"
	OutcomeRequiresUserInput Outcome = "RequiresUserInput"
)

// Resolution is the result of resolving one report. Exactly one of the typed
// result fields is set, matching the report's conflict type.
type Resolution struct {
	Outcome Outcome

	Selected  *advert.Advertisement          // Naming, CapabilityVersion
	Decided   *consensus.Proposal            // Consensus
	Verdict   Verdict                        // SchemaEvolution
	Arguments map[string]envelope.TypedValue // Type

	// RequiresUserInput resolutions carry the failure code, a message, and
	// the full candidate set so the caller can choose explicitly.
	Code       Code
	Message    string
	Candidates []string
}

// Err materializes a RequiresUserInput resolution as a structured error.
// Automatic resolutions return nil.
func (r Resolution) Err() error {
	if r.Outcome == OutcomeAutomatic {
		return nil
	}
	return newError(r.Code, r.Message, r.Candidates)
}

// Request pairs a report with the per-conflict inputs its resolver needs.
type Request struct {
	Report Report

	// VersionConstraint is the caller's version range for CapabilityVersion
	// conflicts, e.g. "^1.0.0".
	VersionConstraint string

	// Arguments are transformed for Type conflicts. SourceType and TargetType
	// override the mapping key; when empty, the first two participants'
	// declared signatures are used.
	Arguments  map[string]envelope.TypedValue
	SourceType string
	TargetType string

	// ClientVersion and ClientForwardWith feed the SchemaEvolution matrix.
	ClientVersion     string
	ClientForwardWith string
}

// Resolver dispatches reports to the strategy matching their conflict type.
type Resolver struct {
	Oracle   identity.Oracle
	Mappings *MappingRegistry
	Engine   *consensus.Engine
	Log      zerolog.Logger
}

// Resolve handles every conflict type exhaustively. Conflicts with a safe
// automatic answer resolve locally; the rest come back as RequiresUserInput
// resolutions or as structured errors carrying the candidate set.
func (rv *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	switch req.Report.Conflict {
	case TypeNaming:
		return rv.resolveNaming(ctx, req.Report)
	case TypeCapabilityVersion:
		return rv.resolveSelection(req.Report, req.VersionConstraint)
	case TypeType:
		return rv.resolveTypeMapping(req)
	case TypeConsensus:
		return rv.resolveConsensus(ctx, req.Report)
	case TypeSchemaEvolution:
		return rv.resolveSchemaEvolution(req)
	default:
		return Resolution{}, newError(CodeInternal,
			fmt.Sprintf("unknown conflict type %q", req.Report.Conflict), nil)
	}
}

// resolveNaming extracts the stable identifier from the contested URI and
// returns the single candidate proven to own it. A content-addressed
// identifier carries its own proof: it re-derives from the owner's public
// key, so no oracle is consulted. Otherwise the authority oracle is queried
// exactly once per resolution, so a key rotation mid-resolution cannot split
// the answer. Anything short of one clean match is surfaced, never guessed.
func (rv *Resolver) resolveNaming(ctx context.Context, r Report) (Resolution, error) {
	if len(r.Participants) == 0 {
		return Resolution{}, newError(CodeInternal, "naming report has no participants", nil)
	}
	cids := r.ParticipantCIDs()

	identifier, err := identity.AuthorityFromURI(r.Participants[0].URI())
	if err != nil {
		return unresolved(CodeNamingConflictUnresolved,
			fmt.Sprintf("cannot extract authority from URI %q: %v", r.Participants[0].URI(), err), cids), nil
	}

	var derived []*advert.Advertisement
	for _, a := range r.Participants {
		if identity.MatchesKey(identifier, a.OwnerKey()) {
			derived = append(derived, a)
		}
	}
	switch len(derived) {
	case 1:
		return Resolution{Outcome: OutcomeAutomatic, Selected: derived[0]}, nil
	case 0:
		// not a content-addressed identifier for any candidate; ask the oracle
	default:
		return unresolved(CodeNamingConflictUnresolved,
			fmt.Sprintf("%d advertisements claim the content-addressed identifier %q", len(derived), identifier), cids), nil
	}

	if rv.Oracle == nil {
		return unresolved(CodeNamingConflictUnresolved,
			fmt.Sprintf("no authority oracle configured for identifier %q", identifier), cids), nil
	}
	expected, err := rv.Oracle.LookupOwnerKey(ctx, identifier)
	if err != nil {
		rv.Log.Warn().Str("identifier", identifier).Err(err).Msg("authority oracle lookup failed")
		return unresolved(CodeNamingConflictUnresolved,
			fmt.Sprintf("authority oracle lookup for %q failed: %v", identifier, err), cids), nil
	}

	var matches []*advert.Advertisement
	for _, a := range r.Participants {
		if a.OwnerKey() == expected {
			matches = append(matches, a)
		}
	}
	if len(matches) != 1 {
		return unresolved(CodeNamingConflictUnresolved,
			fmt.Sprintf("%d of %d candidates match the authority key for %q", len(matches), len(r.Participants), identifier), cids), nil
	}
	return Resolution{Outcome: OutcomeAutomatic, Selected: matches[0]}, nil
}

// resolveSelection filters candidates against the caller's version range.
// Exactly one survivor resolves automatically; two or more always require an
// explicit choice, never a silent "pick latest".
func (rv *Resolver) resolveSelection(r Report, constraint string) (Resolution, error) {
	cids := r.ParticipantCIDs()
	if constraint == "" {
		return Resolution{}, newError(CodeNoCompatibleProvider, "version constraint is required", cids)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Resolution{}, wrapError(CodeNoCompatibleProvider,
			fmt.Sprintf("invalid version constraint %q", constraint), cids, err)
	}

	var matches []*advert.Advertisement
	for _, a := range r.Participants {
		v, verr := a.SemVer()
		if verr != nil {
			continue
		}
		if c.Check(v) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return Resolution{}, newError(CodeNoCompatibleProvider,
			fmt.Sprintf("no provider satisfies %q", constraint), cids)
	case 1:
		return Resolution{Outcome: OutcomeAutomatic, Selected: matches[0]}, nil
	default:
		matchCIDs := make([]string, len(matches))
		for i, a := range matches {
			matchCIDs[i] = a.CID()
		}
		return unresolved(CodeAmbiguousCapability,
			fmt.Sprintf("%d providers satisfy %q; name one explicitly", len(matches), constraint), matchCIDs), nil
	}
}

// resolveTypeMapping applies the registered mapping for the conflicting
// signatures to a copy of the caller's arguments. A missing mapping or an
// unmapped value is a hard error.
func (rv *Resolver) resolveTypeMapping(req Request) (Resolution, error) {
	source, target := req.SourceType, req.TargetType
	if source == "" || target == "" {
		if len(req.Report.Participants) < 2 {
			return Resolution{}, newError(CodeNoTypeMappingFound,
				"type report needs two participants or explicit source/target types", nil)
		}
		source = req.Report.Participants[0].TypeSignature()
		target = req.Report.Participants[1].TypeSignature()
	}
	m, err := rv.Mappings.Lookup(source, target)
	if err != nil {
		return Resolution{}, err
	}
	mapped, err := m.Apply(req.Arguments)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeAutomatic, Arguments: mapped}, nil
}

// resolveConsensus runs one quorum round over the conflicting proposals.
func (rv *Resolver) resolveConsensus(ctx context.Context, r Report) (Resolution, error) {
	if rv.Engine == nil {
		return Resolution{}, newError(CodeConsensusFailure, "no consensus engine configured", nil)
	}
	decided, err := rv.Engine.Run(ctx, r.Slot, r.Proposals)
	if err != nil {
		if errors.Is(err, consensus.ErrConsensusFailure) {
			hashes := make([]string, len(r.Proposals))
			for i, p := range r.Proposals {
				hashes[i] = p.Hash
			}
			return Resolution{}, wrapError(CodeConsensusFailure,
				fmt.Sprintf("slot %q reached no quorum", r.Slot), hashes, err)
		}
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeAutomatic, Decided: &decided}, nil
}

// resolveSchemaEvolution runs the compatibility matrix for the report's
// provider against the caller's declared versions.
func (rv *Resolver) resolveSchemaEvolution(req Request) (Resolution, error) {
	if len(req.Report.Participants) == 0 {
		return Resolution{}, newError(CodeInternal, "schema-evolution report has no participants", nil)
	}
	server := req.Report.Participants[0]
	verdict, err := CheckCompatibility(CompatibilityInput{
		ClientVersion:      req.ClientVersion,
		ServerVersion:      server.Version(),
		ServerBackwardWith: server.BackwardCompatibleWith(),
		ClientForwardWith:  req.ClientForwardWith,
	})
	if err != nil {
		return Resolution{}, wrapError(CodeInternal, "compatibility check failed", req.Report.ParticipantCIDs(), err)
	}
	return Resolution{Outcome: OutcomeAutomatic, Verdict: verdict}, nil
}

func unresolved(code Code, msg string, candidates []string) Resolution {
	return Resolution{Outcome: OutcomeRequiresUserInput, Code: code, Message: msg, Candidates: candidates}
}
