package mempool

import (
	"sync"

	"github.com/mezonai/posnode/transaction"
)

// Mempool is the pending-transaction pool: unique by transaction id, kept in arrival order.
type Mempool struct {
	mu    sync.Mutex
	txs   []*transaction.Transaction
	byID  map[string]struct{}
	limit int
}

// NewMempool creates a new, empty mempool. limit <= 0 means unbounded.
func NewMempool(limit int) *Mempool {
	return &Mempool{
		txs:   make([]*transaction.Transaction, 0),
		byID:  make(map[string]struct{}),
		limit: limit,
	}
}

// Add pushes a transaction. Returns false when the id is already pending or the pool is full.
func (m *Mempool) Add(tx *transaction.Transaction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(tx)
}

func (m *Mempool) addLocked(tx *transaction.Transaction) bool {
	if _, exists := m.byID[tx.ID]; exists {
		return false
	}
	if m.limit > 0 && len(m.txs) >= m.limit {
		return false
	}
	m.byID[tx.ID] = struct{}{}
	m.txs = append(m.txs, tx)
	return true
}

// Has reports whether a transaction id is pending.
func (m *Mempool) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok
}

// Len returns the number of transactions in the mempool.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Drain removes and returns every pending transaction in one step.
func (m *Mempool) Drain() []*transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.txs
	m.txs = make([]*transaction.Transaction, 0)
	m.byID = make(map[string]struct{})
	return out
}

// Remove drops the given ids if present.
func (m *Mempool) Remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := m.byID[id]; ok {
			drop[id] = struct{}{}
			delete(m.byID, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := m.txs[:0]
	for _, tx := range m.txs {
		if _, gone := drop[tx.ID]; !gone {
			kept = append(kept, tx)
		}
	}
	m.txs = kept
}

// Requeue returns transactions to the pool, skipping coinbase, pending ids and anything skip reports true for.
// Returns how many were added.
func (m *Mempool) Requeue(txs []*transaction.Transaction, skip func(id string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, tx := range txs {
		if tx == nil || tx.IsCoinbase() {
			continue
		}
		if skip != nil && skip(tx.ID) {
			continue
		}
		if m.addLocked(tx) {
			added++
		}
	}
	return added
}

// Snapshot returns a copy of the pending list without removing anything.
func (m *Mempool) Snapshot() []*transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transaction.Transaction, len(m.txs))
	copy(out, m.txs)
	return out
}

// Replace swaps the whole pool, used when restoring a saved snapshot.
func (m *Mempool) Replace(txs []*transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = make([]*transaction.Transaction, 0, len(txs))
	m.byID = make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		m.addLocked(tx)
	}
}
