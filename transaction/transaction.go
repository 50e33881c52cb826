package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/wallet"
)

// CoinbaseSender marks reward transactions; they carry no signature.
const CoinbaseSender = "COINBASE"

type Transaction struct {
	ID          string       `json:"id"`
	Sender      string       `json:"sender"`
	Recipient   string       `json:"recipient"`
	Amount      *uint256.Int `json:"amount"`
	Fee         *uint256.Int `json:"fee"`
	Timestamp   int64        `json:"timestamp"`
	Signature   string       `json:"signature,omitempty"`
	ContentHash string       `json:"contentHash"`
}

// New builds an unsigned transfer with a fresh id and content hash.
func New(sender, recipient string, amount, fee *uint256.Int) *Transaction {
	tx := &Transaction{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Amount:    orZero(amount),
		Fee:       orZero(fee),
		Timestamp: time.Now().Unix(),
	}
	tx.ContentHash = tx.ComputeContentHash()
	return tx
}

// NewCoinbase builds the reward transaction paid to a block proposer.
// The id is derived from the block index so every node builds the same one.
func NewCoinbase(recipient string, amount *uint256.Int, blockIndex uint64, timestamp int64) *Transaction {
	tx := &Transaction{
		ID:        fmt.Sprintf("coinbase-%d-%s", blockIndex, recipient),
		Sender:    CoinbaseSender,
		Recipient: recipient,
		Amount:    orZero(amount),
		Fee:       uint256.NewInt(0),
		Timestamp: timestamp,
	}
	tx.ContentHash = tx.ComputeContentHash()
	return tx
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

// uint256ToString converts a *uint256.Int to string, returning "0" if nil
func uint256ToString(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return value.Dec()
}

// Serialize covers every field except Signature and ContentHash.
func (tx *Transaction) Serialize() []byte {
	metadata := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%d",
		tx.ID, tx.Sender, tx.Recipient, uint256ToString(tx.Amount), uint256ToString(tx.Fee), tx.Timestamp,
	)
	return []byte(metadata)
}

func (tx *Transaction) ComputeContentHash() string {
	sum256 := sha256.Sum256(tx.Serialize())
	return hex.EncodeToString(sum256[:])
}

func (tx *Transaction) IsCoinbase() bool {
	return tx.Sender == CoinbaseSender
}

// signingBytes is what the sender signs: the raw content hash.
func (tx *Transaction) signingBytes() []byte {
	b, err := hex.DecodeString(tx.ContentHash)
	if err != nil {
		return []byte(tx.ContentHash)
	}
	return b
}

// Sign refreshes the content hash and signs it.
func (tx *Transaction) Sign(signer wallet.Signer) {
	tx.ContentHash = tx.ComputeContentHash()
	tx.Signature = signer.Sign(tx.signingBytes())
}

// Validate returns nil when the transaction is well formed and authenticated.
func (tx *Transaction) Validate() error {
	if tx == nil {
		return errors.Validation(errors.ErrCodeInvalidTransaction, "nil transaction")
	}
	if tx.ID == "" {
		return errors.Validation(errors.ErrCodeInvalidTransaction, "missing id")
	}
	if tx.ContentHash != tx.ComputeContentHash() {
		return errors.Validation(errors.ErrCodeInvalidHash, fmt.Sprintf("content hash mismatch for tx %s", tx.ID))
	}
	if tx.IsCoinbase() {
		return nil
	}
	if tx.Signature == "" {
		return errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("tx %s is unsigned", tx.ID))
	}
	if !wallet.Verify(tx.Sender, tx.signingBytes(), tx.Signature) {
		return errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("signature of tx %s does not verify", tx.ID))
	}
	return nil
}

func (tx *Transaction) Verify() bool {
	return tx.Validate() == nil
}

// Clone returns a deep copy; blocks hand out copies so callers cannot mutate the chain.
func (tx *Transaction) Clone() *Transaction {
	cp := *tx
	cp.Amount = orZero(tx.Amount)
	cp.Fee = orZero(tx.Fee)
	return &cp
}
