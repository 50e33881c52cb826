package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RejectedReason string

var (
	RejectInvalidSignature RejectedReason = "invalid_signature"
	RejectInvalidBlock     RejectedReason = "invalid_block"
	RejectNotValidator     RejectedReason = "not_validator"
	RejectWrongRound       RejectedReason = "wrong_round"
	RejectWrongHash        RejectedReason = "wrong_hash"
	RejectMalformed        RejectedReason = "malformed"
	RejectRateLimited      RejectedReason = "rate_limited"
	RejectUnknown          RejectedReason = "other"
)

type nodePromMetrics struct {
	nodeUpUnixSeconds prometheus.Gauge
	pendingPoolSize   prometheus.Gauge
	blockHeight       prometheus.Gauge
	finalizedBlocks   prometheus.Counter
	blockTime         prometheus.Histogram
	txInBlock         prometheus.Histogram
	consensusRound    prometheus.Gauge
	roundTimeouts     *prometheus.CounterVec
	roundsAbandoned   prometheus.Counter
	rejectedMessages  *prometheus.CounterVec
	receivedMessages  *prometheus.CounterVec
	forkResolutions   *prometheus.CounterVec
	chainReplacements prometheus.Counter
	validatorCount    prometheus.Gauge
	peerCount         prometheus.Gauge
	panicCount        prometheus.Counter
	storeSaveDuration prometheus.Histogram
}

func newNodePromMetrics() *nodePromMetrics {
	return &nodePromMetrics{
		nodeUpUnixSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_up_timestamp_unix_seconds",
			Help: "Unix timestamp of the node start",
		}),
		pendingPoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_pending_pool_size",
			Help: "Pending transactions waiting for a block",
		}),
		blockHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_block_height",
			Help: "Current chain length",
		}),
		finalizedBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posnode_finalized_blocks_total",
			Help: "Blocks finalized by local consensus",
		}),
		blockTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "posnode_block_time_seconds",
			Help:    "Duration between two consecutive finalized blocks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		txInBlock: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "posnode_tx_in_block",
			Help: "Number of tx in block",
		}),
		consensusRound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_consensus_round",
			Help: "Round number of the active consensus round",
		}),
		roundTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "posnode_round_timeouts_total",
			Help: "Rounds advanced because a step timed out",
		}, []string{"step"}),
		roundsAbandoned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posnode_rounds_abandoned_total",
			Help: "Rounds abandoned because votes split without a winner",
		}),
		rejectedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "posnode_rejected_messages_total",
			Help: "Inbound messages dropped by validation",
		}, []string{"type", "reason"}),
		receivedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "posnode_received_messages_total",
			Help: "Inbound messages by type",
		}, []string{"type"}),
		forkResolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "posnode_fork_resolutions_total",
			Help: "Fork resolution outcomes",
		}, []string{"outcome"}),
		chainReplacements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posnode_chain_replacements_total",
			Help: "Full chain replacements adopted from peers",
		}),
		validatorCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_validator_count",
			Help: "Addresses in the validator set",
		}),
		peerCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "posnode_peer_count",
			Help: "The total number of peer connections",
		}),
		panicCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posnode_panic_total",
			Help: "Recovered panics in background goroutines",
		}),
		storeSaveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "posnode_store_save_seconds",
			Help: "Duration of chain snapshot saves",
		}),
	}
}

// Registered at package init so recorders are safe to call from tests and early startup.
var nodeMetrics = newNodePromMetrics()

// InitMetrics stamps the node start time.
func InitMetrics() {
	nodeMetrics.nodeUpUnixSeconds.SetToCurrentTime()
}

// Handler serves the default registry; mounted by the api server at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetPendingPoolSize(size int) {
	nodeMetrics.pendingPoolSize.Set(float64(size))
}

func SetBlockHeight(height uint64) {
	nodeMetrics.blockHeight.Set(float64(height))
}

func IncreaseFinalizedBlocks() {
	nodeMetrics.finalizedBlocks.Inc()
}

func RecordBlockTime(duration time.Duration) {
	nodeMetrics.blockTime.Observe(duration.Seconds())
}

func RecordTxInBlock(txCount int) {
	nodeMetrics.txInBlock.Observe(float64(txCount))
}

func SetConsensusRound(round uint64) {
	nodeMetrics.consensusRound.Set(float64(round))
}

func RecordRoundTimeout(step string) {
	nodeMetrics.roundTimeouts.With(prometheus.Labels{"step": step}).Inc()
}

func IncreaseRoundsAbandoned() {
	nodeMetrics.roundsAbandoned.Inc()
}

func RecordRejectedMessage(msgType string, reason RejectedReason) {
	nodeMetrics.rejectedMessages.With(prometheus.Labels{
		"type":   msgType,
		"reason": string(reason),
	}).Inc()
}

func RecordReceivedMessage(msgType string) {
	nodeMetrics.receivedMessages.With(prometheus.Labels{"type": msgType}).Inc()
}

func RecordForkResolution(outcome string) {
	nodeMetrics.forkResolutions.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func IncreaseChainReplacements() {
	nodeMetrics.chainReplacements.Inc()
}

func SetValidatorCount(n int) {
	nodeMetrics.validatorCount.Set(float64(n))
}

func SetPeerCount(peers int) {
	nodeMetrics.peerCount.Set(float64(peers))
}

func IncreasePanicCount() {
	nodeMetrics.panicCount.Inc()
}

func RecordStoreSave(duration time.Duration) {
	nodeMetrics.storeSaveDuration.Observe(duration.Seconds())
}
