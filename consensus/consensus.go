// Package consensus implements quorum agreement over conflicting proposals.
//
// A round runs per logical slot: proposals are broadcast to the full peer set,
// votes are collected concurrently against a deadline, and a proposal is
// Decided once votes for its hash from distinct voters reach quorum 2f+1 with
// n >= 3f+1 participants. Any two quorums then intersect in at least f+1
// voters, at least one honest, so two distinct proposals cannot both be
// Decided in one round. A round that misses quorum before its deadline fails
// closed: it never defaults to any proposal.
package consensus

import (
	"errors"
	"fmt"

	"xdao.co/capres/identity"
	"xdao.co/capres/keys"
)

var (
	// ErrConsensusFailure is returned when a round ends without quorum.
	ErrConsensusFailure = errors.New("consensus: no proposal reached quorum")

	// ErrRoundActive is returned when a round is already running for a slot.
	ErrRoundActive = errors.New("consensus: round already active for slot")
)

// Proposal is a candidate value for one logical slot. Hash is the CID of the
// payload bytes, so equal payloads always carry equal hashes.
type Proposal struct {
	Hash    string
	Payload []byte
}

// NewProposal derives the content hash for payload.
func NewProposal(payload []byte) Proposal {
	return Proposal{Hash: identity.CIDString(payload), Payload: payload}
}

// Vote is one participant's signed endorsement of a single proposal hash
// within a round. VoterID is the voter's signer-key string; the signature is
// verified directly against it.
type Vote struct {
	Slot         string
	ProposalHash string
	VoterID      string
	Signature    []byte
}

// voteSignedBytes is the canonical byte string a vote signature covers.
func voteSignedBytes(slot, proposalHash, voterID string) []byte {
	return []byte(fmt.Sprintf("xdao-capres-consensus-vote-1\n%s\n%s\n%s", slot, proposalHash, voterID))
}

// SignVote produces a vote for proposalHash in slot, signed by kp.
func SignVote(slot, proposalHash string, kp *keys.Keypair) (Vote, error) {
	voterID := kp.SignerKey()
	sig, err := kp.Sign(keys.HashSHA256, voteSignedBytes(slot, proposalHash, voterID))
	if err != nil {
		return Vote{}, err
	}
	return Vote{Slot: slot, ProposalHash: proposalHash, VoterID: voterID, Signature: sig}, nil
}

// VerifyVote checks a vote's signature against its embedded voter key.
func VerifyVote(v Vote) error {
	if v.Slot == "" || v.ProposalHash == "" || v.VoterID == "" {
		return errors.New("consensus: vote is missing required fields")
	}
	return keys.Verify(v.VoterID, keys.HashSHA256, voteSignedBytes(v.Slot, v.ProposalHash, v.VoterID), v.Signature)
}
