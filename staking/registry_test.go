package staking

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/wallet"
)

const day = 24 * time.Hour

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	r := NewRegistry(cfg)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r.now = clock.now
	return r, clock
}

func TestRemoveMoreThanStakedFails(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	require.NoError(t, r.AddStake("X", uint256.NewInt(50)))

	err := r.RemoveStake("X", uint256.NewInt(60))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStake))
	assert.Equal(t, uint64(50), r.Record("X").Amount.Uint64())

	err = r.RemoveStake("nobody", uint256.NewInt(1))
	assert.True(t, errors.Is(err, errors.ErrInsufficientStake))
}

func TestStakeLifecycle(t *testing.T) {
	r, clock := newTestRegistry(Config{MinStake: uint256.NewInt(10)})
	require.NoError(t, r.AddStake("A", uint256.NewInt(30)))
	deposited := r.Record("A").DepositedAt

	clock.advance(2 * day)
	require.NoError(t, r.AddStake("A", uint256.NewInt(20)))
	assert.Equal(t, deposited, r.Record("A").DepositedAt, "top-up keeps the deposit time")
	assert.Equal(t, uint64(50), r.Record("A").Amount.Uint64())
	assert.True(t, r.IsValidator("A"))

	require.NoError(t, r.RemoveStake("A", uint256.NewInt(45)))
	assert.NotNil(t, r.Record("A"))
	assert.False(t, r.IsValidator("A"), "below minimum leaves the validator set")

	require.NoError(t, r.RemoveStake("A", uint256.NewInt(5)))
	assert.Nil(t, r.Record("A"), "zero stake deletes the record")

	assert.Error(t, r.AddStake("A", uint256.NewInt(0)))
}

func TestMembershipPolicy(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		want   bool
	}{
		{"permissive admits below minimum", false, true},
		{"strict gates by minimum", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(Config{MinStake: uint256.NewInt(10), StrictMembership: tt.strict})
			require.NoError(t, r.AddStake("small", uint256.NewInt(5)))
			assert.Equal(t, tt.want, r.IsValidator("small"))
		})
	}
}

func TestWeightedSnapshot(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	require.NoError(t, r.AddStake("A", uint256.NewInt(100)))
	clock.advance(10 * day)
	require.NoError(t, r.AddStake("B", uint256.NewInt(100)))
	clock.advance(day + time.Hour)

	snap := r.WeightedSnapshot()
	assert.Equal(t, []string{"A", "B"}, snap.Addresses())
	assert.Equal(t, uint64(1100), snap.Weight("A").Uint64())
	assert.Equal(t, uint64(100), snap.Weight("B").Uint64())
	assert.Equal(t, uint64(1200), snap.Total().Uint64())

	clock.advance(200 * day)
	snap = r.WeightedSnapshot()
	assert.Equal(t, uint64(9000), snap.Weight("A").Uint64(), "age capped at 90 days")
}

func TestZeroWeightFallsBackToOnePerValidator(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	for _, a := range []string{"A", "B", "C"} {
		require.NoError(t, r.AddStake(a, uint256.NewInt(100)))
	}
	snap := r.WeightedSnapshot()
	assert.True(t, snap.Total().IsZero())
	assert.Equal(t, uint64(3), snap.VotingTotal().Uint64())
	assert.Equal(t, uint64(1), snap.VotingPower("B").Uint64())
	assert.Equal(t, uint64(0), snap.VotingPower("Z").Uint64())
}

func TestHasQuorum(t *testing.T) {
	snap := NewSnapshot(map[string]uint64{"A": 100, "B": 100, "C": 100})

	tests := []struct {
		power uint64
		want  bool
	}{
		{0, false},
		{100, false},
		{199, false},
		{200, true},
		{300, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snap.HasQuorum(uint256.NewInt(tt.power)), "power %d", tt.power)
	}

	single := NewSnapshot(map[string]uint64{"A": 0})
	assert.True(t, single.HasQuorum(single.VotingPower("A")))
	assert.False(t, NewSnapshot(nil).HasQuorum(uint256.NewInt(0)))
}

func TestExceedsThird(t *testing.T) {
	snap := NewSnapshot(map[string]uint64{"A": 100, "B": 100, "C": 100})
	tests := []struct {
		power uint64
		want  bool
	}{
		{0, false},
		{100, false},
		{101, true},
		{300, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snap.ExceedsThird(uint256.NewInt(tt.power)), "power %d", tt.power)
	}
	assert.False(t, NewSnapshot(nil).ExceedsThird(uint256.NewInt(1)))
}

func TestSelectProposerIsDeterministic(t *testing.T) {
	snap := NewSnapshot(map[string]uint64{"A": 10, "B": 20, "C": 30})
	again := NewSnapshot(map[string]uint64{"C": 30, "A": 10, "B": 20})

	counts := map[string]int{}
	for h := uint64(1); h <= 300; h++ {
		p := SelectProposer(snap, h, 0)
		require.Equal(t, p, SelectProposer(again, h, 0))
		counts[p]++
	}
	assert.Len(t, counts, 3)
	assert.Greater(t, counts["C"], counts["A"])

	assert.Equal(t, "", SelectProposer(NewSnapshot(nil), 1, 0))
	assert.Equal(t, "A", SelectProposer(NewSnapshot(map[string]uint64{"A": 0}), 9, 3))
}

func TestStakeAnnouncements(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	local, _ := newTestRegistry(Config{})
	require.NoError(t, local.AddStake(w.Address(), uint256.NewInt(40)))
	first := local.SignAnnouncement(w)
	require.NoError(t, local.AddStake(w.Address(), uint256.NewInt(10)))
	second := local.SignAnnouncement(w)
	assert.Greater(t, second.Sequence, first.Sequence)

	remote, _ := newTestRegistry(Config{})
	applied, err := remote.ApplyAnnouncement(second)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = remote.ApplyAnnouncement(first)
	require.NoError(t, err)
	assert.False(t, applied, "older sequence is ignored")
	assert.Equal(t, uint64(50), remote.Record(w.Address()).Amount.Uint64())
	assert.Equal(t, local.Record(w.Address()).DepositedAt, remote.Record(w.Address()).DepositedAt)
	assert.True(t, remote.IsValidator(w.Address()))
	assert.Len(t, remote.Announcements(), 1)

	forged := *second
	forged.Sequence = 99
	forged.Amount = uint256.NewInt(1000000)
	_, err = remote.ApplyAnnouncement(&forged)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStateRoundTrip(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	r, _ := newTestRegistry(Config{})
	require.NoError(t, r.AddStake(w.Address(), uint256.NewInt(40)))
	r.SignAnnouncement(w)
	r.LoadRecords([]*StakeRecord{{Address: "genesis-1", Amount: uint256.NewInt(100), DepositedAt: 1609459200}})

	restored, _ := newTestRegistry(Config{})
	restored.RestoreState(r.State())
	assert.Equal(t, 2, restored.ValidatorCount())
	assert.Len(t, restored.Announcements(), 1)
	assert.Equal(t, r.Records(), restored.Records())
}
