package consensus

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/staking"
)

type Step string

const (
	StepPrePrepare Step = "PRE_PREPARE"
	StepPrepare    Step = "PREPARE"
	StepCommit     Step = "COMMIT"
	StepFinalized  Step = "FINALIZED"
)

// VoteSet keeps the latest vote of each validator for one phase of one round.
type VoteSet struct {
	phase Phase
	votes map[string]*Vote // validator → vote
}

func NewVoteSet(phase Phase) *VoteSet {
	return &VoteSet{phase: phase, votes: make(map[string]*Vote)}
}

// Add stores v, replacing an earlier vote from the same validator. Returns false for an identical repeat.
func (s *VoteSet) Add(v *Vote) bool {
	if prev, ok := s.votes[v.Validator]; ok && prev.BlockHash == v.BlockHash {
		return false
	}
	s.votes[v.Validator] = v
	return true
}

func (s *VoteSet) Len() int {
	return len(s.votes)
}

func (s *VoteSet) Has(validator string) bool {
	_, ok := s.votes[validator]
	return ok
}

// Tally sums voting power per block hash.
func (s *VoteSet) Tally(snap *staking.Snapshot) map[string]*uint256.Int {
	out := make(map[string]*uint256.Int)
	for validator, v := range s.votes {
		acc, ok := out[v.BlockHash]
		if !ok {
			acc = uint256.NewInt(0)
			out[v.BlockHash] = acc
		}
		acc.Add(acc, snap.VotingPower(validator))
	}
	return out
}

func (s *VoteSet) Power(snap *staking.Snapshot, hash string) *uint256.Int {
	total := uint256.NewInt(0)
	for validator, v := range s.votes {
		if v.BlockHash == hash {
			total.Add(total, snap.VotingPower(validator))
		}
	}
	return total
}

// Split reports that votes across all hashes reach the threshold while no hash can still reach it,
// even if every validator that has not voted yet joined it.
func (s *VoteSet) Split(snap *staking.Snapshot) bool {
	tally := s.Tally(snap)
	sum := uint256.NewInt(0)
	for _, p := range tally {
		if snap.HasQuorum(p) {
			return false
		}
		sum.Add(sum, p)
	}
	if !snap.HasQuorum(sum) {
		return false
	}
	uncast := new(uint256.Int)
	if total := snap.VotingTotal(); total.Gt(sum) {
		uncast.Sub(total, sum)
	}
	for _, p := range tally {
		if snap.HasQuorum(new(uint256.Int).Add(p, uncast)) {
			return false
		}
	}
	return true
}

// Round is the consensus state of one (height, round).
type Round struct {
	Height       uint64
	Number       uint32
	Step         Step
	Proposer     string
	Proposal     *block.Block
	Prepares     *VoteSet
	Commits      *VoteSet
	StartedAt    time.Time
	LastActivity time.Time
	Snapshot     *staking.Snapshot

	early []*Vote
}

func newRound(height uint64, number uint32, snap *staking.Snapshot, now time.Time) *Round {
	return &Round{
		Height:       height,
		Number:       number,
		Step:         StepPrePrepare,
		Proposer:     staking.SelectProposer(snap, height, number),
		Prepares:     NewVoteSet(PhasePrepare),
		Commits:      NewVoteSet(PhaseCommit),
		StartedAt:    now,
		LastActivity: now,
		Snapshot:     snap,
	}
}

func (r *Round) proposalHash() string {
	if r.Proposal == nil {
		return ""
	}
	return r.Proposal.BlockHash
}

func (r *Round) touch(now time.Time) {
	r.LastActivity = now
}
