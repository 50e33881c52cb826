package p2p

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mezonai/posnode/logx"
)

type ScoreEvent string

const (
	ScoreValidBlock     ScoreEvent = "valid_block"
	ScoreInvalidBlock   ScoreEvent = "invalid_block"
	ScoreValidTx        ScoreEvent = "valid_tx"
	ScoreInvalidTx      ScoreEvent = "invalid_tx"
	ScoreInvalidVote    ScoreEvent = "invalid_vote"
	ScoreMalformed      ScoreEvent = "malformed"
	ScoreRateLimited    ScoreEvent = "rate_limited"
	ScoreNetworkFailure ScoreEvent = "network_failure"
	ScoreConnection     ScoreEvent = "connection"
)

type PeerScore struct {
	PeerID          string    `json:"peerId"`
	Score           float64   `json:"score"`
	LastUpdated     time.Time `json:"lastUpdated"`
	ConnectionCount int       `json:"connectionCount"`
	ValidBlocks     int       `json:"validBlocks"`
	InvalidBlocks   int       `json:"invalidBlocks"`
	ValidTxs        int       `json:"validTxs"`
	InvalidTxs      int       `json:"invalidTxs"`
	InvalidVotes    int       `json:"invalidVotes"`
	Failures        int       `json:"failures"`
	LastSeen        time.Time `json:"lastSeen"`
}

type PeerScoringConfig struct {
	ScoreDecayRate        float64
	ValidBlockBonus       float64
	InvalidBlockPenalty   float64
	ValidTxBonus          float64
	InvalidTxPenalty      float64
	InvalidVotePenalty    float64
	MalformedPenalty      float64
	RateLimitedPenalty    float64
	NetworkFailurePenalty float64
	ConnectionBonus       float64
	// StaleThreshold: a peer at or below it is marked stale and disconnected.
	StaleThreshold      float64
	ScoreUpdateInterval time.Duration
}

func DefaultPeerScoringConfig() *PeerScoringConfig {
	return &PeerScoringConfig{
		// ~24h half-life per minute tick ≈ 0.9995
		ScoreDecayRate:        0.9995,
		ValidBlockBonus:       0.5,
		InvalidBlockPenalty:   -80.0,
		ValidTxBonus:          0.1,
		InvalidTxPenalty:      -3.0,
		InvalidVotePenalty:    -5.0,
		MalformedPenalty:      -10.0,
		RateLimitedPenalty:    -2.0,
		NetworkFailurePenalty: -8.0,
		ConnectionBonus:       1.0,
		StaleThreshold:        -20.0,
		ScoreUpdateInterval:   1 * time.Minute,
	}
}

type PeerScoringManager struct {
	scores  map[string]*PeerScore
	config  *PeerScoringConfig
	onStale func(peerID string)
	mu      sync.RWMutex
	now     func() time.Time
}

// NewPeerScoringManager calls onStale (outside the lock) when a peer's score drops to the stale threshold.
func NewPeerScoringManager(config *PeerScoringConfig, onStale func(peerID string)) *PeerScoringManager {
	if config == nil {
		config = DefaultPeerScoringConfig()
	}
	return &PeerScoringManager{
		scores:  make(map[string]*PeerScore),
		config:  config,
		onStale: onStale,
		now:     time.Now,
	}
}

func (psm *PeerScoringManager) GetPeerScore(peerID string) float64 {
	psm.mu.RLock()
	defer psm.mu.RUnlock()
	if score, exists := psm.scores[peerID]; exists {
		return score.Score
	}
	return 0.0
}

func (psm *PeerScoringManager) UpdatePeerScore(peerID string, event ScoreEvent) {
	psm.mu.Lock()
	now := psm.now()
	score, exists := psm.scores[peerID]
	if !exists {
		score = &PeerScore{PeerID: peerID}
		psm.scores[peerID] = score
	}
	wasStale := score.Score <= psm.config.StaleThreshold

	switch event {
	case ScoreValidBlock:
		score.Score += psm.config.ValidBlockBonus
		score.ValidBlocks++
	case ScoreInvalidBlock:
		score.Score += psm.config.InvalidBlockPenalty
		score.InvalidBlocks++
	case ScoreValidTx:
		score.Score += psm.config.ValidTxBonus
		score.ValidTxs++
	case ScoreInvalidTx:
		score.Score += psm.config.InvalidTxPenalty
		score.InvalidTxs++
	case ScoreInvalidVote:
		score.Score += psm.config.InvalidVotePenalty
		score.InvalidVotes++
	case ScoreMalformed:
		score.Score += psm.config.MalformedPenalty
	case ScoreRateLimited:
		score.Score += psm.config.RateLimitedPenalty
	case ScoreNetworkFailure:
		score.Score += psm.config.NetworkFailurePenalty
		score.Failures++
	case ScoreConnection:
		score.ConnectionCount++
		score.Score += psm.config.ConnectionBonus
	}
	score.LastUpdated = now
	score.LastSeen = now
	current := score.Score
	becameStale := !wasStale && current <= psm.config.StaleThreshold
	psm.mu.Unlock()

	logx.Debug("PEER_SCORING", fmt.Sprintf("peer %s score %.2f after %s", peerID, current, event))
	if becameStale {
		logx.Warn("PEER_SCORING", fmt.Sprintf("Peer %s marked stale (score: %.2f)", peerID, current))
		if psm.onStale != nil {
			psm.onStale(peerID)
		}
	}
}

// IsStale reports whether the peer's score is at or below the stale threshold.
func (psm *PeerScoringManager) IsStale(peerID string) bool {
	return psm.GetPeerScore(peerID) <= psm.config.StaleThreshold
}

// Forgive resets a peer's score, used when an operator reconnects it explicitly.
func (psm *PeerScoringManager) Forgive(peerID string) {
	psm.mu.Lock()
	delete(psm.scores, peerID)
	psm.mu.Unlock()
}

// Run decays scores every ScoreUpdateInterval until ctx is done.
func (psm *PeerScoringManager) Run(ctx context.Context) {
	ticker := time.NewTicker(psm.config.ScoreUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			psm.decayScores()
			psm.cleanupOldScores()
		}
	}
}

func (psm *PeerScoringManager) decayScores() {
	psm.mu.Lock()
	defer psm.mu.Unlock()
	now := psm.now()
	for _, score := range psm.scores {
		score.Score *= psm.config.ScoreDecayRate
		if now.Sub(score.LastSeen) > 24*time.Hour {
			score.Score *= 0.9
		}
	}
}

func (psm *PeerScoringManager) cleanupOldScores() {
	psm.mu.Lock()
	defer psm.mu.Unlock()
	cutoff := psm.now().Add(-7 * 24 * time.Hour)
	for peerID, score := range psm.scores {
		if score.LastSeen.Before(cutoff) && score.Score < 10 {
			delete(psm.scores, peerID)
			logx.Info("PEER_SCORING", "Cleaned up old peer score: "+peerID)
		}
	}
}

func (psm *PeerScoringManager) GetTopPeers(n int) []PeerScore {
	psm.mu.RLock()
	scores := make([]PeerScore, 0, len(psm.scores))
	for _, score := range psm.scores {
		scores = append(scores, *score)
	}
	psm.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if n > len(scores) {
		n = len(scores)
	}
	return scores[:n]
}

func (psm *PeerScoringManager) GetPeerStats(peerID string) *PeerScore {
	psm.mu.RLock()
	defer psm.mu.RUnlock()
	if score, exists := psm.scores[peerID]; exists {
		cp := *score
		return &cp
	}
	return nil
}
