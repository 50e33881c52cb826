package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/mezonai/posnode/transaction"
)

const (
	GenesisTimestamp    int64 = 1609459200
	GenesisPreviousHash       = "0"
	GenesisProposer           = "genesis"
)

type Block struct {
	Index        uint64                     `json:"index"`
	Timestamp    int64                      `json:"timestamp"`
	Transactions []*transaction.Transaction `json:"transactions"`
	PreviousHash string                     `json:"previousHash"`
	Proposer     string                     `json:"proposer"`
	Nonce        uint64                     `json:"nonce"`
	BlockHash    string                     `json:"blockHash"`
}

// Assemble builds a block and stamps its hash.
func Assemble(index uint64, timestamp int64, prevHash, proposer string, txs []*transaction.Transaction) *Block {
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		PreviousHash: prevHash,
		Proposer:     proposer,
	}
	b.BlockHash = b.ComputeHash()
	return b
}

// Genesis is identical on every node so all chains share a root.
func Genesis() *Block {
	return Assemble(0, GenesisTimestamp, GenesisPreviousHash, GenesisProposer, nil)
}

// ComputeHash covers every field except BlockHash.
func (b *Block) ComputeHash() string {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, b.Index)
	h.Write(buf)
	binary.BigEndian.PutUint64(buf, uint64(b.Timestamp))
	h.Write(buf)
	binary.BigEndian.PutUint64(buf, b.Nonce)
	h.Write(buf)
	writeString(h, b.PreviousHash)
	writeString(h, b.Proposer)
	binary.BigEndian.PutUint64(buf, uint64(len(b.Transactions)))
	h.Write(buf)
	for _, tx := range b.Transactions {
		writeString(h, tx.ID)
		writeString(h, tx.ContentHash)
		writeString(h, tx.Signature)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeString length-prefixes s so adjacent fields cannot be shifted into each other.
func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	h.Write(buf)
	h.Write([]byte(s))
}

func (b *Block) HashValid() bool {
	return b.BlockHash == b.ComputeHash()
}

func (b *Block) IsGenesis() bool {
	return b.Index == 0 && b.PreviousHash == GenesisPreviousHash
}

// Clone returns a deep copy.
func (b *Block) Clone() *Block {
	cp := *b
	cp.Transactions = make([]*transaction.Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		cp.Transactions[i] = tx.Clone()
	}
	return &cp
}

// TxIDs lists transaction ids in block order.
func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

// ShortHash is for log lines.
func ShortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
