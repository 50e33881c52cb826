package staking

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
)

const (
	DefaultMinStake   = 10
	DefaultMaxAgeDays = 90
)

// StakeRecord is one address's deposit. DepositedAt is unix seconds of the first deposit.
type StakeRecord struct {
	Address     string       `json:"address"`
	Amount      *uint256.Int `json:"amount"`
	DepositedAt int64        `json:"depositedAt"`
}

func (r *StakeRecord) clone() *StakeRecord {
	return &StakeRecord{Address: r.Address, Amount: new(uint256.Int).Set(r.Amount), DepositedAt: r.DepositedAt}
}

// AgeDays is whole days elapsed since the deposit.
func (r *StakeRecord) AgeDays(now time.Time) uint64 {
	elapsed := now.Unix() - r.DepositedAt
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / int64(24*time.Hour/time.Second))
}

// Weight is amount * min(ageDays, maxAge).
func (r *StakeRecord) Weight(now time.Time, maxAgeDays uint64) *uint256.Int {
	age := r.AgeDays(now)
	if age > maxAgeDays {
		age = maxAgeDays
	}
	return new(uint256.Int).Mul(r.Amount, uint256.NewInt(age))
}

type Config struct {
	MinStake *uint256.Int
	// StrictMembership keeps below-minimum stakers out of the validator set on deposit.
	StrictMembership bool
	MaxAgeDays       uint64
}

// Registry tracks stake records and validator membership.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*StakeRecord
	validators map[string]struct{}
	sequences  map[string]uint64
	signed     map[string]*Announcement

	minStake   *uint256.Int
	strict     bool
	maxAgeDays uint64
	now        func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	minStake := cfg.MinStake
	if minStake == nil {
		minStake = uint256.NewInt(DefaultMinStake)
	}
	maxAge := cfg.MaxAgeDays
	if maxAge == 0 {
		maxAge = DefaultMaxAgeDays
	}
	return &Registry{
		records:    make(map[string]*StakeRecord),
		validators: make(map[string]struct{}),
		sequences:  make(map[string]uint64),
		signed:     make(map[string]*Announcement),
		minStake:   new(uint256.Int).Set(minStake),
		strict:     cfg.StrictMembership,
		maxAgeDays: maxAge,
		now:        time.Now,
	}
}

// AddStake creates or tops up a record. Top-ups keep the original deposit time.
func (r *Registry) AddStake(address string, amount *uint256.Int) error {
	if address == "" {
		return errors.Validation(errors.ErrCodeInvalidAddress, "empty address")
	}
	if amount == nil || amount.IsZero() {
		return errors.Validation(errors.ErrCodeInvalidAmount, "stake amount must be positive")
	}

	r.mu.Lock()
	rec, ok := r.records[address]
	if !ok {
		rec = &StakeRecord{Address: address, Amount: uint256.NewInt(0), DepositedAt: r.now().Unix()}
		r.records[address] = rec
	}
	rec.Amount.Add(rec.Amount, amount)
	below := rec.Amount.Lt(r.minStake)
	joined := !below || !r.strict
	if joined {
		r.validators[address] = struct{}{}
	}
	r.bumpLocked(address)
	total := new(uint256.Int).Set(rec.Amount)
	count := len(r.validators)
	r.mu.Unlock()

	monitoring.SetValidatorCount(count)
	if below && joined {
		logx.Warn("STAKING", fmt.Sprintf("%s staked %s, below minimum %s, still admitted as validator", address, total.Dec(), r.minStake.Dec()))
	} else if below {
		logx.Warn("STAKING", fmt.Sprintf("%s staked %s, below minimum %s, not a validator", address, total.Dec(), r.minStake.Dec()))
	} else {
		logx.Info("STAKING", fmt.Sprintf("%s staked %s (total %s)", address, amount.Dec(), total.Dec()))
	}
	return nil
}

// RemoveStake withdraws amount. Falling below the minimum drops validator membership; zero deletes the record.
func (r *Registry) RemoveStake(address string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.Validation(errors.ErrCodeInvalidAmount, "unstake amount must be positive")
	}

	r.mu.Lock()
	rec, ok := r.records[address]
	if !ok || amount.Gt(rec.Amount) {
		have := "0"
		if ok {
			have = rec.Amount.Dec()
		}
		r.mu.Unlock()
		return errors.Validation(errors.ErrCodeInsufficientStake, fmt.Sprintf("%s has %s staked, cannot remove %s", address, have, amount.Dec()))
	}
	rec.Amount.Sub(rec.Amount, amount)
	if rec.Amount.IsZero() {
		delete(r.records, address)
		delete(r.validators, address)
	} else if rec.Amount.Lt(r.minStake) {
		delete(r.validators, address)
	}
	r.bumpLocked(address)
	count := len(r.validators)
	r.mu.Unlock()

	monitoring.SetValidatorCount(count)
	logx.Info("STAKING", fmt.Sprintf("%s unstaked %s", address, amount.Dec()))
	return nil
}

// bumpLocked advances the local sequence so the next announcement supersedes older ones.
func (r *Registry) bumpLocked(address string) {
	r.sequences[address]++
	delete(r.signed, address)
}

// WeightedSnapshot computes every validator's weight against a single clock reading.
func (r *Registry) WeightedSnapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	weights := make(map[string]*uint256.Int, len(r.validators))
	for addr := range r.validators {
		rec, ok := r.records[addr]
		if !ok {
			continue
		}
		weights[addr] = rec.Weight(now, r.maxAgeDays)
	}
	return newSnapshot(now, weights)
}

func (r *Registry) IsValidator(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[address]
	return ok
}

// Record returns a copy of the record for address, or nil.
func (r *Registry) Record(address string) *StakeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[address]
	if !ok {
		return nil
	}
	return rec.clone()
}

// Records returns copies sorted by address.
func (r *Registry) Records() []*StakeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StakeRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) ValidatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

func (r *Registry) MinStake() *uint256.Int {
	return new(uint256.Int).Set(r.minStake)
}

// LoadRecords installs records from genesis config or a stored snapshot. Existing records are replaced.
func (r *Registry) LoadRecords(records []*StakeRecord) {
	r.mu.Lock()
	for _, rec := range records {
		if rec == nil || rec.Address == "" || rec.Amount == nil || rec.Amount.IsZero() {
			continue
		}
		r.records[rec.Address] = rec.clone()
		if !rec.Amount.Lt(r.minStake) || !r.strict {
			r.validators[rec.Address] = struct{}{}
		}
	}
	count := len(r.validators)
	r.mu.Unlock()
	monitoring.SetValidatorCount(count)
}
