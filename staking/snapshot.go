package staking

import (
	"sort"
	"time"

	"github.com/holiman/uint256"
)

// Snapshot is a frozen view of validator weights. All proposer and quorum math of a round uses one snapshot.
type Snapshot struct {
	TakenAt   time.Time
	addresses []string
	weights   map[string]*uint256.Int
	total     *uint256.Int
}

func newSnapshot(at time.Time, weights map[string]*uint256.Int) *Snapshot {
	addrs := make([]string, 0, len(weights))
	total := uint256.NewInt(0)
	for addr, w := range weights {
		addrs = append(addrs, addr)
		total.Add(total, w)
	}
	sort.Strings(addrs)
	return &Snapshot{TakenAt: at, addresses: addrs, weights: weights, total: total}
}

// NewSnapshot builds a snapshot from explicit weights.
func NewSnapshot(weights map[string]uint64) *Snapshot {
	w := make(map[string]*uint256.Int, len(weights))
	for addr, v := range weights {
		w[addr] = uint256.NewInt(v)
	}
	return newSnapshot(time.Now(), w)
}

// Addresses returns validators in ascending order.
func (s *Snapshot) Addresses() []string {
	out := make([]string, len(s.addresses))
	copy(out, s.addresses)
	return out
}

func (s *Snapshot) Len() int {
	return len(s.addresses)
}

func (s *Snapshot) Contains(address string) bool {
	_, ok := s.weights[address]
	return ok
}

// Weight is the stake-age weight, zero for non-members.
func (s *Snapshot) Weight(address string) *uint256.Int {
	w, ok := s.weights[address]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(w)
}

func (s *Snapshot) Total() *uint256.Int {
	return new(uint256.Int).Set(s.total)
}

// unweighted is true when no validator has accrued any weight yet.
func (s *Snapshot) unweighted() bool {
	return s.total.IsZero()
}

// VotingPower is Weight, except that every member counts 1 while the total weight is zero.
func (s *Snapshot) VotingPower(address string) *uint256.Int {
	if !s.Contains(address) {
		return uint256.NewInt(0)
	}
	if s.unweighted() {
		return uint256.NewInt(1)
	}
	return s.Weight(address)
}

// VotingTotal pairs with VotingPower.
func (s *Snapshot) VotingTotal() *uint256.Int {
	if s.unweighted() {
		return uint256.NewInt(uint64(len(s.addresses)))
	}
	return s.Total()
}

// HasQuorum reports 3*power >= 2*total. An empty set never has quorum.
func (s *Snapshot) HasQuorum(power *uint256.Int) bool {
	total := s.VotingTotal()
	if total.IsZero() {
		return false
	}
	lhs := new(uint256.Int).Mul(power, uint256.NewInt(3))
	rhs := new(uint256.Int).Mul(total, uint256.NewInt(2))
	return !lhs.Lt(rhs)
}

// ExceedsThird reports 3*power > total: at least one honest validator is behind power when at most a
// third of the total is faulty.
func (s *Snapshot) ExceedsThird(power *uint256.Int) bool {
	total := s.VotingTotal()
	if total.IsZero() {
		return false
	}
	lhs := new(uint256.Int).Mul(power, uint256.NewInt(3))
	return lhs.Gt(total)
}

// Weights returns a copy of the weight map for display.
func (s *Snapshot) Weights() map[string]*uint256.Int {
	out := make(map[string]*uint256.Int, len(s.weights))
	for k, v := range s.weights {
		out[k] = new(uint256.Int).Set(v)
	}
	return out
}
