package consensus

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/wallet"
)

func equalSnapshot(ws []*wallet.Wallet) *staking.Snapshot {
	weights := make(map[string]uint64, len(ws))
	for _, w := range ws {
		weights[w.Address()] = 100
	}
	return staking.NewSnapshot(weights)
}

func TestVoteSignature(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	v := NewVote(w, PhaseCommit, 7, 2, "abc")
	require.NoError(t, v.Validate())

	tests := []struct {
		name   string
		mutate func(v *Vote)
		code   errors.ErrorCode
	}{
		{"other round", func(v *Vote) { v.Round = 3 }, errors.ErrCodeInvalidSignature},
		{"other hash", func(v *Vote) { v.BlockHash = "abd" }, errors.ErrCodeInvalidSignature},
		{"other phase", func(v *Vote) { v.Phase = PhasePrepare }, errors.ErrCodeInvalidSignature},
		{"unknown phase", func(v *Vote) { v.Phase = "maybe" }, errors.ErrCodeInvalidRequest},
		{"no hash", func(v *Vote) { v.BlockHash = "" }, errors.ErrCodeInvalidHash},
		{"unsigned", func(v *Vote) { v.Signature = "" }, errors.ErrCodeInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := *v
			tt.mutate(&cp)
			assert.Equal(t, tt.code, errors.CodeOf(cp.Validate()))
		})
	}
}

func TestProposalValidate(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	other, err := wallet.Generate()
	require.NoError(t, err)

	b := block.Assemble(1, 1700000000, block.Genesis().BlockHash, w.Address(), nil)
	require.NoError(t, NewProposal(w, 1, 0, b).Validate())

	assert.Equal(t, errors.ErrCodeInvalidIndex, errors.CodeOf(NewProposal(w, 2, 0, b).Validate()))
	assert.Equal(t, errors.ErrCodeInvalidSignature, errors.CodeOf(NewProposal(other, 1, 0, b).Validate()))

	p := NewProposal(w, 1, 0, b)
	p.Round = 1
	assert.Equal(t, errors.ErrCodeInvalidSignature, errors.CodeOf(p.Validate()))
}

func TestVoteSetKeepsLatestPerValidator(t *testing.T) {
	ws := genWallets(t, 3)
	snap := equalSnapshot(ws)
	set := NewVoteSet(PhasePrepare)

	assert.True(t, set.Add(NewVote(ws[0], PhasePrepare, 1, 0, "x")))
	assert.False(t, set.Add(NewVote(ws[0], PhasePrepare, 1, 0, "x")), "identical repeat")
	assert.True(t, set.Add(NewVote(ws[0], PhasePrepare, 1, 0, "y")))
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Power(snap, "x").IsZero())
	assert.Equal(t, uint64(100), set.Power(snap, "y").Uint64())
}

func TestQuorumIsMonotonic(t *testing.T) {
	ws := genWallets(t, 4)
	snap := equalSnapshot(ws)
	set := NewVoteSet(PhaseCommit)

	reached := false
	prev := uint256.NewInt(0)
	for i, w := range ws {
		set.Add(NewVote(w, PhaseCommit, 1, 0, "x"))
		power := set.Power(snap, "x")
		assert.False(t, power.Lt(prev))
		prev = power
		if reached {
			assert.True(t, snap.HasQuorum(power), "quorum lost after vote %d", i)
		}
		reached = snap.HasQuorum(power)
	}
	assert.True(t, reached)
}

func TestVoteSetSplit(t *testing.T) {
	ws := genWallets(t, 4)
	snap := equalSnapshot(ws)

	tests := []struct {
		name   string
		hashes []string
		want   bool
	}{
		{"below threshold", []string{"a", "b"}, false},
		{"winner still possible", []string{"a", "a", "b"}, false},
		{"no winner possible", []string{"a", "a", "b", "b"}, true},
		{"quorum reached", []string{"a", "a", "a", "b"}, false},
		{"scattered", []string{"a", "b", "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewVoteSet(PhasePrepare)
			for i, h := range tt.hashes {
				set.Add(NewVote(ws[i], PhasePrepare, 1, 0, h))
			}
			assert.Equal(t, tt.want, set.Split(snap))
		})
	}
}

func TestNewRoundPicksProposer(t *testing.T) {
	ws := genWallets(t, 3)
	snap := equalSnapshot(ws)
	r := newRound(4, 1, snap, time.Unix(1700000000, 0))
	assert.Equal(t, StepPrePrepare, r.Step)
	assert.Equal(t, staking.SelectProposer(snap, 4, 1), r.Proposer)
	assert.Empty(t, r.proposalHash())
}
