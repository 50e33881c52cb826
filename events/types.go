package events

import (
	"time"
)

// EventType is an enum-like string type for node events
type EventType string

const (
	EventRoundStarted        EventType = "RoundStarted"
	EventProposalAccepted    EventType = "ProposalAccepted"
	EventQuorumReached       EventType = "QuorumReached"
	EventRoundTimedOut       EventType = "RoundTimedOut"
	EventBlockFinalized      EventType = "BlockFinalized"
	EventBlockAppended       EventType = "BlockAppended"
	EventForkResolved        EventType = "ForkResolved"
	EventChainReplaced       EventType = "ChainReplaced"
	EventTransactionAccepted EventType = "TransactionAccepted"
)

// NodeEvent represents anything worth reporting that happens in the node
type NodeEvent interface {
	Type() EventType
	Timestamp() time.Time
	Height() uint64
	Hash() string
	Fields() map[string]interface{}
}

type baseEvent struct {
	eventType EventType
	height    uint64
	hash      string
	fields    map[string]interface{}
	timestamp time.Time
}

func newEvent(t EventType, height uint64, hash string, fields map[string]interface{}) *baseEvent {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &baseEvent{eventType: t, height: height, hash: hash, fields: fields, timestamp: time.Now()}
}

func (e *baseEvent) Type() EventType                { return e.eventType }
func (e *baseEvent) Timestamp() time.Time           { return e.timestamp }
func (e *baseEvent) Height() uint64                 { return e.height }
func (e *baseEvent) Hash() string                   { return e.hash }
func (e *baseEvent) Fields() map[string]interface{} { return e.fields }

// NewRoundStarted is published whenever the engine enters a fresh round.
func NewRoundStarted(height uint64, round uint32, proposer string) NodeEvent {
	return newEvent(EventRoundStarted, height, "", map[string]interface{}{"round": round, "proposer": proposer})
}

func NewProposalAccepted(height uint64, round uint32, blockHash, proposer string) NodeEvent {
	return newEvent(EventProposalAccepted, height, blockHash, map[string]interface{}{"round": round, "proposer": proposer})
}

// NewQuorumReached carries the phase ("prepare" or "commit") that crossed the threshold.
func NewQuorumReached(height uint64, round uint32, blockHash, phase string) NodeEvent {
	return newEvent(EventQuorumReached, height, blockHash, map[string]interface{}{"round": round, "phase": phase})
}

func NewRoundTimedOut(height uint64, round uint32, step string) NodeEvent {
	return newEvent(EventRoundTimedOut, height, "", map[string]interface{}{"round": round, "step": step})
}

func NewBlockFinalized(height uint64, blockHash string, txCount int) NodeEvent {
	return newEvent(EventBlockFinalized, height, blockHash, map[string]interface{}{"txs": txCount})
}

// NewBlockAppended covers blocks appended from gossip or backfill rather than local consensus.
func NewBlockAppended(height uint64, blockHash, source string) NodeEvent {
	return newEvent(EventBlockAppended, height, blockHash, map[string]interface{}{"source": source})
}

func NewForkResolved(forkPoint uint64, newTipHash string, replaced, orphanedTxs int) NodeEvent {
	return newEvent(EventForkResolved, forkPoint, newTipHash, map[string]interface{}{"replaced": replaced, "orphaned_txs": orphanedTxs})
}

func NewChainReplaced(newLength uint64, tipHash string, oldLength uint64) NodeEvent {
	return newEvent(EventChainReplaced, newLength, tipHash, map[string]interface{}{"old_length": oldLength})
}

func NewTransactionAccepted(txID, sender string) NodeEvent {
	return newEvent(EventTransactionAccepted, 0, txID, map[string]interface{}{"sender": sender})
}
