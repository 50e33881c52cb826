package staking

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/wallet"
)

// Announcement is the signed stake state of one address, gossiped so every node holds the same records.
// Amount zero withdraws the whole stake.
type Announcement struct {
	Address     string       `json:"address"`
	Amount      *uint256.Int `json:"amount"`
	DepositedAt int64        `json:"depositedAt"`
	Sequence    uint64       `json:"sequence"`
	Signature   string       `json:"signature"`
}

func (a *Announcement) signingBytes() []byte {
	amount := "0"
	if a.Amount != nil {
		amount = a.Amount.Dec()
	}
	return []byte(fmt.Sprintf("stake|%s|%s|%d|%d", a.Address, amount, a.DepositedAt, a.Sequence))
}

func (a *Announcement) Verify() bool {
	return a.Signature != "" && wallet.Verify(a.Address, a.signingBytes(), a.Signature)
}

// SignAnnouncement signs the current stake state of the signer's own address.
func (r *Registry) SignAnnouncement(signer wallet.Signer) *Announcement {
	addr := signer.Address()

	r.mu.Lock()
	defer r.mu.Unlock()

	a := &Announcement{Address: addr, Amount: uint256.NewInt(0), Sequence: r.sequences[addr]}
	if rec, ok := r.records[addr]; ok {
		a.Amount = new(uint256.Int).Set(rec.Amount)
		a.DepositedAt = rec.DepositedAt
	}
	a.Signature = signer.Sign(a.signingBytes())
	r.signed[addr] = a
	return a
}

// ApplyAnnouncement installs a peer's stake state when its sequence is newer than the one held.
func (r *Registry) ApplyAnnouncement(a *Announcement) (bool, error) {
	if a == nil || a.Amount == nil {
		return false, errors.Validation(errors.ErrCodeInvalidRequest, "empty stake announcement")
	}
	if !a.Verify() {
		return false, errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("stake announcement for %s does not verify", a.Address))
	}

	r.mu.Lock()
	if seq, known := r.sequences[a.Address]; known && a.Sequence <= seq {
		r.mu.Unlock()
		return false, nil
	}
	r.sequences[a.Address] = a.Sequence
	cp := *a
	cp.Amount = new(uint256.Int).Set(a.Amount)
	r.signed[a.Address] = &cp

	if a.Amount.IsZero() {
		delete(r.records, a.Address)
		delete(r.validators, a.Address)
	} else {
		r.records[a.Address] = &StakeRecord{Address: a.Address, Amount: new(uint256.Int).Set(a.Amount), DepositedAt: a.DepositedAt}
		if !a.Amount.Lt(r.minStake) || !r.strict {
			r.validators[a.Address] = struct{}{}
		} else {
			delete(r.validators, a.Address)
		}
	}
	count := len(r.validators)
	r.mu.Unlock()

	monitoring.SetValidatorCount(count)
	logx.Info("STAKING", fmt.Sprintf("Applied stake announcement %s amount=%s seq=%d", a.Address, a.Amount.Dec(), a.Sequence))
	return true, nil
}

// Announcements returns every signed announcement held, sorted by address.
func (r *Registry) Announcements() []*Announcement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Announcement, 0, len(r.signed))
	for _, a := range r.signed {
		cp := *a
		cp.Amount = new(uint256.Int).Set(a.Amount)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// StakeState is the persisted image of the registry.
type StakeState struct {
	Records       []*StakeRecord    `json:"records"`
	Announcements []*Announcement   `json:"announcements"`
	Sequences     map[string]uint64 `json:"sequences"`
}

func (r *Registry) State() *StakeState {
	records := r.Records()
	anns := r.Announcements()
	r.mu.RLock()
	seqs := make(map[string]uint64, len(r.sequences))
	for k, v := range r.sequences {
		seqs[k] = v
	}
	r.mu.RUnlock()
	return &StakeState{Records: records, Announcements: anns, Sequences: seqs}
}

// RestoreState replaces the registry contents with a stored image.
func (r *Registry) RestoreState(s *StakeState) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.records = make(map[string]*StakeRecord)
	r.validators = make(map[string]struct{})
	r.sequences = make(map[string]uint64, len(s.Sequences))
	r.signed = make(map[string]*Announcement)
	for k, v := range s.Sequences {
		r.sequences[k] = v
	}
	for _, a := range s.Announcements {
		if a != nil && a.Verify() {
			r.signed[a.Address] = a
		}
	}
	r.mu.Unlock()
	r.LoadRecords(s.Records)
}
