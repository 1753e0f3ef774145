// Package conflict detects and resolves conflicts between capability
// advertisements published by mutually-untrusted providers.
//
// The Detector scans a store snapshot and emits ConflictReports; each report is
// dispatched to the resolver matching its type. Conflicts with a deterministic,
// safe automatic resolution are resolved locally; conflicts with no safe
// automatic resolution are surfaced with the full candidate set so a caller
// can choose explicitly. Detection over the same snapshot is deterministic.
package conflict

import (
	"time"

	"xdao.co/capres/advert"
	"xdao.co/capres/consensus"
)

// Type is the closed set of conflict classes.
type Type string

const (
	TypeNaming            Type = "Naming"
	TypeCapabilityVersion Type = "CapabilityVersion"
	TypeType              Type = "Type"
	TypeConsensus         Type = "Consensus"
	TypeSchemaEvolution   Type = "SchemaEvolution"
)

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Report is an immutable record of one detected conflict. It is produced once
// by the Detector (or NewConsensusReport) and consumed once by a resolver.
type Report struct {
	Conflict     Type
	Severity     Severity
	Participants []*advert.Advertisement

	// Consensus conflicts carry proposals for a logical slot instead of
	// advertisements.
	Slot      string
	Proposals []consensus.Proposal

	DetectedAt     time.Time
	ChosenStrategy string
}

// ParticipantCIDs returns the sorted CIDs of the report's participants.
// Participants are stored in CID order, so this is a direct projection.
func (r Report) ParticipantCIDs() []string {
	out := make([]string, len(r.Participants))
	for i, a := range r.Participants {
		out[i] = a.CID()
	}
	return out
}

// NewConsensusReport raises a Byzantine proposal conflict explicitly: two or
// more peers submitted differing proposals for one logical slot. These are
// never produced by passive store scans.
func NewConsensusReport(slot string, proposals []consensus.Proposal, at time.Time) Report {
	return Report{
		Conflict:       TypeConsensus,
		Severity:       SeverityHigh,
		Slot:           slot,
		Proposals:      proposals,
		DetectedAt:     at,
		ChosenStrategy: "consensus-quorum",
	}
}
