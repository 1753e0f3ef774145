package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the phase of one consensus round.
type State string

const (
	StateIdle       State = "Idle"
	StateCollecting State = "Collecting"
	StateTallying   State = "Tallying"
	StateDecided    State = "Decided"
	StateFailed     State = "Failed"
)

// Peer is a remote participant able to vote on proposals for a slot.
//
// A peer that does not answer before the round deadline is excluded from the
// tally; it never blocks the round.
type Peer interface {
	RequestVote(ctx context.Context, slot string, proposals []Proposal) (Vote, error)
}

// Engine runs consensus rounds. One round per slot at a time; distinct slots
// run concurrently. Safe for concurrent use.
type Engine struct {
	peers    []Peer
	f        int
	deadline time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]State
}

// NewEngine builds an engine tolerating f faulty participants.
// Requires len(peers) >= 3f+1.
func NewEngine(peers []Peer, f int, deadline time.Duration, log zerolog.Logger) (*Engine, error) {
	if f < 1 {
		return nil, errors.New("consensus: f must be at least 1")
	}
	if len(peers) < 3*f+1 {
		return nil, fmt.Errorf("consensus: need at least %d participants for f=%d, have %d", 3*f+1, f, len(peers))
	}
	if deadline <= 0 {
		return nil, errors.New("consensus: round deadline must be positive")
	}
	return &Engine{
		peers:    peers,
		f:        f,
		deadline: deadline,
		log:      log,
		active:   make(map[string]State),
	}, nil
}

// Quorum returns the vote threshold 2f+1.
func (e *Engine) Quorum() int { return 2*e.f + 1 }

// SlotState reports the phase of the round for slot, or Idle if none ran.
func (e *Engine) SlotState(slot string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.active[slot]; ok {
		return s
	}
	return StateIdle
}

func (e *Engine) setState(slot string, s State) {
	e.mu.Lock()
	e.active[slot] = s
	e.mu.Unlock()
}

// Run executes one round for slot over the given proposals and returns the
// Decided proposal, or ErrConsensusFailure if no proposal reaches quorum
// before the deadline.
func (e *Engine) Run(ctx context.Context, slot string, proposals []Proposal) (Proposal, error) {
	if slot == "" {
		return Proposal{}, errors.New("consensus: slot is required")
	}
	if len(proposals) == 0 {
		return Proposal{}, errors.New("consensus: at least one proposal is required")
	}

	e.mu.Lock()
	if s, ok := e.active[slot]; ok && (s == StateCollecting || s == StateTallying) {
		e.mu.Unlock()
		return Proposal{}, fmt.Errorf("%w: %s", ErrRoundActive, slot)
	}
	e.active[slot] = StateCollecting
	e.mu.Unlock()

	byHash := make(map[string]Proposal, len(proposals))
	for _, p := range proposals {
		byHash[p.Hash] = p
	}

	votes := e.collect(ctx, slot, proposals)

	e.setState(slot, StateTallying)
	winner, ok := e.tally(slot, votes, byHash)
	if !ok {
		e.setState(slot, StateFailed)
		return Proposal{}, fmt.Errorf("slot %q: %w", slot, ErrConsensusFailure)
	}
	e.setState(slot, StateDecided)
	return winner, nil
}

// collect gathers votes from all peers concurrently against the round
// deadline.
func (e *Engine) collect(ctx context.Context, slot string, proposals []Proposal) []Vote {
	roundCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results := make(chan Vote, len(e.peers))
	var wg sync.WaitGroup
	for _, p := range e.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			v, err := p.RequestVote(roundCtx, slot, proposals)
			if err != nil {
				return
			}
			results <- v
		}(p)
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	// A peer that ignores cancellation must not hold the round open: once
	// the deadline fires, whatever votes have arrived are the tally. The
	// buffered channel lets laggard goroutines finish without leaking.
	var votes []Vote
	for {
		select {
		case v := <-results:
			votes = append(votes, v)
		case <-allDone:
			return drain(votes, results)
		case <-roundCtx.Done():
			e.log.Warn().Str("slot", slot).Msg("round deadline reached, excluding unresponsive peers")
			return drain(votes, results)
		}
	}
}

func drain(votes []Vote, results chan Vote) []Vote {
	for {
		select {
		case v := <-results:
			votes = append(votes, v)
		default:
			return votes
		}
	}
}

// tally counts verified votes per proposal hash, one per distinct voter.
// A voter submitting more than one vote in the round is discarded entirely.
func (e *Engine) tally(slot string, votes []Vote, byHash map[string]Proposal) (Proposal, bool) {
	votesByVoter := make(map[string][]Vote)
	for _, v := range votes {
		if v.Slot != slot {
			continue
		}
		if _, known := byHash[v.ProposalHash]; !known {
			continue
		}
		if err := VerifyVote(v); err != nil {
			e.log.Warn().Str("slot", slot).Str("voter", v.VoterID).Msg("discarding vote with invalid signature")
			continue
		}
		votesByVoter[v.VoterID] = append(votesByVoter[v.VoterID], v)
	}

	counts := make(map[string]int)
	for voter, vs := range votesByVoter {
		if len(vs) > 1 {
			distinct := false
			for _, v := range vs[1:] {
				if v.ProposalHash != vs[0].ProposalHash {
					distinct = true
					break
				}
			}
			if distinct {
				e.log.Warn().Str("slot", slot).Str("voter", voter).Msg("discarding equivocating voter")
				continue
			}
		}
		counts[vs[0].ProposalHash]++
	}

	quorum := e.Quorum()
	for hash, n := range counts {
		if n >= quorum {
			e.log.Info().Str("slot", slot).Str("proposal", hash).Int("votes", n).Msg("proposal decided")
			return byHash[hash], true
		}
	}
	e.log.Warn().Str("slot", slot).Int("quorum", quorum).Msg("round failed without quorum")
	return Proposal{}, false
}
