package ledger

import (
	"fmt"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/transaction"
)

// ChainSnapshot is the persisted image of a ledger.
type ChainSnapshot struct {
	ChainLength         uint64                     `json:"chainLength"`
	Blocks              []*block.Block             `json:"blocks"`
	PendingTransactions []*transaction.Transaction `json:"pendingTransactions"`
	Finalized           []string                   `json:"finalized"`
}

func (l *Ledger) Snapshot() *ChainSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	blocks := make([]*block.Block, len(l.chain))
	finalized := make([]string, 0, len(l.finalized))
	for i, b := range l.chain {
		blocks[i] = b.Clone()
		if _, ok := l.finalized[b.BlockHash]; ok {
			finalized = append(finalized, b.BlockHash)
		}
	}
	return &ChainSnapshot{
		ChainLength:         uint64(len(blocks)),
		Blocks:              blocks,
		PendingTransactions: l.pool.Snapshot(),
		Finalized:           finalized,
	}
}

// Restore installs a snapshot and repairs it when it does not validate. Returns the number of truncated blocks.
func (l *Ledger) Restore(s *ChainSnapshot) int {
	if s == nil || len(s.Blocks) == 0 {
		return 0
	}
	blocks := make([]*block.Block, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b != nil {
			blocks = append(blocks, b.Clone())
		}
	}
	if len(blocks) == 0 {
		return 0
	}

	l.mu.Lock()
	l.resetLocked(blocks)
	for _, h := range s.Finalized {
		if _, ok := l.hashIndex[h]; ok {
			l.finalized[h] = struct{}{}
		}
	}
	pending := make([]*transaction.Transaction, 0, len(s.PendingTransactions))
	for _, tx := range s.PendingTransactions {
		if tx == nil || tx.IsCoinbase() || tx.Validate() != nil {
			continue
		}
		if _, ok := l.includedTxs[tx.ID]; ok {
			continue
		}
		pending = append(pending, tx)
	}
	l.pool.Replace(pending)
	l.mu.Unlock()

	removed := 0
	if err := l.validateStored(); err != nil {
		logx.Warn("LEDGER", fmt.Sprintf("Stored chain failed validation, repairing: %v", err))
		removed = l.Repair()
	}
	monitoring.SetBlockHeight(l.Len())
	monitoring.SetPendingPoolSize(l.PendingCount())
	return removed
}

func (l *Ledger) validateStored() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ValidateChain(l.chain)
}
