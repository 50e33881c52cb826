package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdatePeerScore(t *testing.T) {
	tests := []struct {
		name  string
		event ScoreEvent
		want  float64
	}{
		{"valid block", ScoreValidBlock, 0.5},
		{"invalid block", ScoreInvalidBlock, -80},
		{"valid tx", ScoreValidTx, 0.1},
		{"invalid tx", ScoreInvalidTx, -3},
		{"invalid vote", ScoreInvalidVote, -5},
		{"malformed", ScoreMalformed, -10},
		{"rate limited", ScoreRateLimited, -2},
		{"network failure", ScoreNetworkFailure, -8},
		{"connection", ScoreConnection, 1},
		{"unknown event", ScoreEvent("nope"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			psm := NewPeerScoringManager(nil, nil)
			psm.UpdatePeerScore("p", tt.event)
			assert.InDelta(t, tt.want, psm.GetPeerScore("p"), 1e-9)
		})
	}
}

func TestStaleCallbackFiresOnce(t *testing.T) {
	var stale []string
	psm := NewPeerScoringManager(nil, func(id string) { stale = append(stale, id) })

	psm.UpdatePeerScore("p", ScoreMalformed)
	assert.False(t, psm.IsStale("p"))
	psm.UpdatePeerScore("p", ScoreMalformed)
	assert.True(t, psm.IsStale("p"))
	psm.UpdatePeerScore("p", ScoreMalformed)
	assert.Equal(t, []string{"p"}, stale)

	psm.Forgive("p")
	assert.False(t, psm.IsStale("p"))
	assert.Nil(t, psm.GetPeerStats("p"))
}

func TestDecayAndCleanup(t *testing.T) {
	now := time.Unix(1700000000, 0)
	psm := NewPeerScoringManager(nil, nil)
	psm.now = func() time.Time { return now }
	psm.UpdatePeerScore("old", ScoreConnection)
	psm.UpdatePeerScore("good", ScoreConnection)

	now = now.Add(8 * 24 * time.Hour)
	psm.UpdatePeerScore("good", ScoreValidBlock)
	psm.decayScores()
	psm.cleanupOldScores()

	assert.Nil(t, psm.GetPeerStats("old"))
	stats := psm.GetPeerStats("good")
	if assert.NotNil(t, stats) {
		assert.Equal(t, 1, stats.ValidBlocks)
		assert.Less(t, stats.Score, 1.5)
	}
	top := psm.GetTopPeers(5)
	assert.Len(t, top, 1)
}

func TestRateLimitRefills(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimit(2, time.Minute)
	rl.now = func() time.Time { return now }
	rl.LastRefill = now

	assert.True(t, rl.Take(1))
	assert.True(t, rl.Take(1))
	assert.False(t, rl.Take(1))

	now = now.Add(30 * time.Second)
	assert.True(t, rl.Take(1))
	assert.False(t, rl.Take(1))
}
