package p2p

import (
	"sync"
	"time"
)

type RateLimitConfig struct {
	// Block sync rate limits, shared by BLOCK_REQUEST and BLOCKCHAIN_REQUEST
	MaxBlockRequestsPerMinute int
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxBlockRequestsPerMinute: 45,
	}
}

// RateLimit is a token bucket refilled continuously up to MaxCounts.
type RateLimit struct {
	Counts       float64
	MaxCounts    float64
	RefillPerSec float64
	LastRefill   time.Time
	mu           sync.Mutex
	now          func() time.Time
}

func NewRateLimit(maxCounts int, per time.Duration) *RateLimit {
	return &RateLimit{
		Counts:       float64(maxCounts),
		MaxCounts:    float64(maxCounts),
		RefillPerSec: float64(maxCounts) / per.Seconds(),
		LastRefill:   time.Now(),
		now:          time.Now,
	}
}

func (tb *RateLimit) Take(tokens int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.LastRefill).Seconds()
	if elapsed > 0 {
		tb.Counts += elapsed * tb.RefillPerSec
		if tb.Counts > tb.MaxCounts {
			tb.Counts = tb.MaxCounts
		}
	}
	tb.LastRefill = now

	if tb.Counts >= float64(tokens) {
		tb.Counts -= float64(tokens)
		return true
	}
	return false
}

// RateLimitManager keeps one bucket per peer.
type RateLimitManager struct {
	config       *RateLimitConfig
	peerLimiters map[string]*RateLimit
	mu           sync.Mutex
}

func NewRateLimitManager(config *RateLimitConfig) *RateLimitManager {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimitManager{
		config:       config,
		peerLimiters: make(map[string]*RateLimit),
	}
}

// AllowBlockRequest spends one token from the peer's bucket.
func (rlm *RateLimitManager) AllowBlockRequest(peerID string) bool {
	if rlm.config.MaxBlockRequestsPerMinute <= 0 {
		return true
	}
	rlm.mu.Lock()
	limiter, exists := rlm.peerLimiters[peerID]
	if !exists {
		limiter = NewRateLimit(rlm.config.MaxBlockRequestsPerMinute, time.Minute)
		rlm.peerLimiters[peerID] = limiter
	}
	rlm.mu.Unlock()
	return limiter.Take(1)
}

// Forget drops the bucket of a disconnected peer.
func (rlm *RateLimitManager) Forget(peerID string) {
	rlm.mu.Lock()
	delete(rlm.peerLimiters, peerID)
	rlm.mu.Unlock()
}
