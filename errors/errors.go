package errors

import (
	stderrors "errors"

	"github.com/mezonai/posnode/jsonx"
)

// Kind classifies failures by how the node reacts to them.
type Kind string

const (
	// KindValidation: malformed, unsigned or duplicate tx/block. Dropped and logged.
	KindValidation Kind = "validation_error"
	// KindConsensus: vote or proposal from a non-validator, wrong round or hash. Dropped.
	KindConsensus Kind = "consensus_violation"
	// KindSync: discontiguous range or unreachable fork point. Triggers a broader resync.
	KindSync Kind = "sync_inconsistency"
	// KindStorage: persistence read/write error. Node continues in memory.
	KindStorage Kind = "storage_failure"
	// KindNetwork: peer unreachable or timed out. Peer marked stale.
	KindNetwork Kind = "network_error"
)

// ErrorCode is a short machine readable reason inside a kind.
type ErrorCode string

const (
	ErrCodeInternal ErrorCode = "internal_error"

	// Validation
	ErrCodeInvalidRequest      ErrorCode = "invalid_request"
	ErrCodeInvalidTransaction  ErrorCode = "invalid_transaction"
	ErrCodeInvalidSignature    ErrorCode = "invalid_signature"
	ErrCodeInvalidAddress      ErrorCode = "invalid_address"
	ErrCodeInvalidAmount       ErrorCode = "invalid_amount"
	ErrCodeInvalidBlock        ErrorCode = "invalid_block"
	ErrCodeInvalidIndex        ErrorCode = "invalid_index"
	ErrCodeInvalidPrevHash     ErrorCode = "invalid_previous_hash"
	ErrCodeInvalidHash         ErrorCode = "invalid_hash"
	ErrCodeInsufficientStake   ErrorCode = "insufficient_stake"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrCodeBlockNotFound       ErrorCode = "block_not_found"

	// Consensus
	ErrCodeNotValidator   ErrorCode = "not_validator"
	ErrCodeWrongHeight    ErrorCode = "wrong_height"
	ErrCodeWrongRound     ErrorCode = "wrong_round"
	ErrCodeWrongStep      ErrorCode = "wrong_step"
	ErrCodeWrongBlockHash ErrorCode = "wrong_block_hash"
	ErrCodeNotProposer    ErrorCode = "not_proposer"
	ErrCodeLocked         ErrorCode = "locked_on_other_block"

	// Sync
	ErrCodeNoForkPoint      ErrorCode = "no_fork_point"
	ErrCodeNotLonger        ErrorCode = "chain_not_longer"
	ErrCodeFinalizedReorg   ErrorCode = "finalized_block_reorg"
	ErrCodeDiscontiguous    ErrorCode = "discontiguous_range"
	ErrCodeGenesisMismatch  ErrorCode = "genesis_mismatch"
	ErrCodeInvalidCandidate ErrorCode = "invalid_candidate_chain"

	// Storage / network
	ErrCodeStoreRead     ErrorCode = "store_read"
	ErrCodeStoreWrite    ErrorCode = "store_write"
	ErrCodePeerNotFound  ErrorCode = "peer_not_found"
	ErrCodePeerQueueFull ErrorCode = "peer_queue_full"
	ErrCodeDial          ErrorCode = "dial_failed"
	ErrCodeRateLimited   ErrorCode = "rate_limited"
)

// NodeError represents a classified node error
type NodeError struct {
	Kind    Kind      `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface
func (e *NodeError) Error() string {
	err, _ := jsonx.Marshal(NodeError{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message,
	})
	return string(err)
}

// Is matches another NodeError by kind, and by code when the target carries one.
func (e *NodeError) Is(target error) bool {
	t, ok := target.(*NodeError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation = &NodeError{Kind: KindValidation}
	ErrConsensus  = &NodeError{Kind: KindConsensus}
	ErrSync       = &NodeError{Kind: KindSync}
	ErrStorage    = &NodeError{Kind: KindStorage}
	ErrNetwork    = &NodeError{Kind: KindNetwork}

	ErrInsufficientStake = &NodeError{Kind: KindValidation, Code: ErrCodeInsufficientStake}
)

// NewError creates a new NodeError and returns it as error interface
func NewError(kind Kind, code ErrorCode, message string) error {
	return &NodeError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

func Validation(code ErrorCode, message string) error {
	return NewError(KindValidation, code, message)
}

func Consensus(code ErrorCode, message string) error {
	return NewError(KindConsensus, code, message)
}

func Sync(code ErrorCode, message string) error {
	return NewError(KindSync, code, message)
}

func Storage(code ErrorCode, message string) error {
	return NewError(KindStorage, code, message)
}

func Network(code ErrorCode, message string) error {
	return NewError(KindNetwork, code, message)
}

// KindOf returns the kind of the first NodeError in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var ne *NodeError
	if stderrors.As(err, &ne) {
		return ne.Kind
	}
	return ""
}

// CodeOf returns the code of the first NodeError in err's chain.
func CodeOf(err error) ErrorCode {
	var ne *NodeError
	if stderrors.As(err, &ne) {
		return ne.Code
	}
	return ""
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
