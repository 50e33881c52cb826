package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/events"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/mempool"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/transaction"
)

const DefaultConfirmationThreshold = 6

type Config struct {
	ConfirmationThreshold int
	PendingLimit          int
	// Rewards is nil when blocks carry no coinbase.
	Rewards *RewardCalculator
}

// Ledger holds the chain, its confirmation counts and the finalized set.
// Lock order: Ledger.mu before the mempool lock; the ledger never calls into consensus.
type Ledger struct {
	mu            sync.RWMutex
	chain         []*block.Block
	hashIndex     map[string]uint64
	includedTxs   map[string]uint64
	confirmations map[string]map[string]struct{}
	finalized     map[string]struct{}

	pool      *mempool.Mempool
	rewards   *RewardCalculator
	threshold int
	publisher events.Publisher
	now       func() time.Time
}

func NewLedger(cfg Config, publisher events.Publisher) *Ledger {
	threshold := cfg.ConfirmationThreshold
	if threshold <= 0 {
		threshold = DefaultConfirmationThreshold
	}
	l := &Ledger{
		pool:      mempool.NewMempool(cfg.PendingLimit),
		rewards:   cfg.Rewards,
		threshold: threshold,
		publisher: publisher,
		now:       time.Now,
	}
	l.resetLocked([]*block.Block{block.Genesis()})
	return l
}

// resetLocked installs blocks as the chain and rebuilds every index.
func (l *Ledger) resetLocked(blocks []*block.Block) {
	l.chain = blocks
	l.hashIndex = make(map[string]uint64, len(blocks))
	l.includedTxs = make(map[string]uint64)
	l.confirmations = make(map[string]map[string]struct{})
	l.finalized = make(map[string]struct{})
	for _, b := range blocks {
		l.indexBlockLocked(b)
	}
}

func (l *Ledger) indexBlockLocked(b *block.Block) {
	l.hashIndex[b.BlockHash] = b.Index
	for _, tx := range b.Transactions {
		l.includedTxs[tx.ID] = b.Index
	}
}

func (l *Ledger) unindexBlockLocked(b *block.Block) {
	delete(l.hashIndex, b.BlockHash)
	delete(l.confirmations, b.BlockHash)
	delete(l.finalized, b.BlockHash)
	for _, tx := range b.Transactions {
		if idx, ok := l.includedTxs[tx.ID]; ok && idx == b.Index {
			delete(l.includedTxs, tx.ID)
		}
	}
}

func (l *Ledger) tipLocked() *block.Block {
	return l.chain[len(l.chain)-1]
}

// AddTransaction verifies tx and queues it. Known ids are ignored: added is false and err nil.
// Gossiped transactions are not balance checked; the sender's node did that on submission.
func (l *Ledger) AddTransaction(tx *transaction.Transaction) (bool, error) {
	return l.addTransaction(tx, false)
}

// SubmitTransaction is AddTransaction for transfers entering the network at this node: the sender must
// cover amount plus fee on top of what its pending transactions already spend.
func (l *Ledger) SubmitTransaction(tx *transaction.Transaction) (bool, error) {
	return l.addTransaction(tx, true)
}

func (l *Ledger) addTransaction(tx *transaction.Transaction, funded bool) (bool, error) {
	if err := tx.Validate(); err != nil {
		return false, err
	}
	if tx.IsCoinbase() {
		return false, errors.Validation(errors.ErrCodeInvalidTransaction, "coinbase transactions are only created by proposers")
	}

	l.mu.Lock()
	_, included := l.includedTxs[tx.ID]
	if included || l.pool.Has(tx.ID) {
		l.mu.Unlock()
		return false, nil
	}
	if funded {
		if err := l.checkSpendLocked(tx.Sender, spendOf(tx)); err != nil {
			l.mu.Unlock()
			return false, err
		}
	}
	added := l.pool.Add(tx.Clone())
	pending := l.pool.Len()
	l.mu.Unlock()

	if !added {
		return false, nil
	}
	monitoring.SetPendingPoolSize(pending)
	events.Emit(l.publisher, events.NewTransactionAccepted(tx.ID, tx.Sender))
	logx.Debug("LEDGER", fmt.Sprintf("Accepted tx %s from %s, pending=%d", tx.ID, tx.Sender, pending))
	return true, nil
}

// CreateBlock drains the pending pool into the next block. The block is not appended.
func (l *Ledger) CreateBlock(proposer string) *block.Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	tip := l.tipLocked()
	index := uint64(len(l.chain))
	timestamp := l.now().Unix()
	if timestamp < tip.Timestamp {
		timestamp = tip.Timestamp
	}

	drained := l.pool.Drain()
	txs := make([]*transaction.Transaction, 0, len(drained)+1)
	for _, tx := range drained {
		if _, ok := l.includedTxs[tx.ID]; ok {
			continue
		}
		txs = append(txs, tx)
	}
	if l.rewards != nil {
		reward := l.rewards.TotalReward(index, txs)
		coinbase := transaction.NewCoinbase(proposer, reward, index, timestamp)
		txs = append([]*transaction.Transaction{coinbase}, txs...)
	}
	monitoring.SetPendingPoolSize(0)
	return block.Assemble(index, timestamp, tip.BlockHash, proposer, txs)
}

// ValidateBlock checks b as the next block of the current chain.
func (l *Ledger) ValidateBlock(b *block.Block) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateNextLocked(b, l.tipLocked(), l.includedTxs)
}

func (l *Ledger) IsValidBlock(b *block.Block) bool {
	return l.ValidateBlock(b) == nil
}

// validateNextLocked checks b against prev. included maps tx ids already on the chain prefix.
func (l *Ledger) validateNextLocked(b, prev *block.Block, included map[string]uint64) error {
	if b == nil {
		return errors.Validation(errors.ErrCodeInvalidBlock, "nil block")
	}
	if b.Index != prev.Index+1 {
		return errors.Validation(errors.ErrCodeInvalidIndex, fmt.Sprintf("block index %d, expected %d", b.Index, prev.Index+1))
	}
	if b.PreviousHash != prev.BlockHash {
		return errors.Validation(errors.ErrCodeInvalidPrevHash, fmt.Sprintf("block %d does not link to %s", b.Index, block.ShortHash(prev.BlockHash)))
	}
	if !b.HashValid() {
		return errors.Validation(errors.ErrCodeInvalidHash, fmt.Sprintf("block %d hash mismatch", b.Index))
	}
	return l.validateTransactions(b, included)
}

func (l *Ledger) validateTransactions(b *block.Block, included map[string]uint64) error {
	seen := make(map[string]struct{}, len(b.Transactions))
	nonCoinbase := make([]*transaction.Transaction, 0, len(b.Transactions))
	for i, tx := range b.Transactions {
		if err := tx.Validate(); err != nil {
			return err
		}
		if _, dup := seen[tx.ID]; dup {
			return errors.Validation(errors.ErrCodeInvalidTransaction, fmt.Sprintf("tx %s appears twice in block %d", tx.ID, b.Index))
		}
		seen[tx.ID] = struct{}{}
		if idx, ok := included[tx.ID]; ok && idx < b.Index {
			return errors.Validation(errors.ErrCodeInvalidTransaction, fmt.Sprintf("tx %s already included in block %d", tx.ID, idx))
		}
		if tx.IsCoinbase() {
			if l.rewards == nil {
				return errors.Validation(errors.ErrCodeInvalidTransaction, fmt.Sprintf("block %d carries a coinbase but block rewards are disabled", b.Index))
			}
			if i != 0 {
				return errors.Validation(errors.ErrCodeInvalidTransaction, fmt.Sprintf("coinbase at position %d in block %d", i, b.Index))
			}
			if tx.Recipient != b.Proposer {
				return errors.Validation(errors.ErrCodeInvalidTransaction, fmt.Sprintf("coinbase of block %d does not pay the proposer", b.Index))
			}
			continue
		}
		nonCoinbase = append(nonCoinbase, tx)
	}
	if l.rewards != nil && len(b.Transactions) > 0 && b.Transactions[0].IsCoinbase() {
		want := l.rewards.TotalReward(b.Index, nonCoinbase)
		if !b.Transactions[0].Amount.Eq(want) {
			return errors.Validation(errors.ErrCodeInvalidAmount, fmt.Sprintf("coinbase of block %d pays %s, expected %s", b.Index, b.Transactions[0].Amount.Dec(), want.Dec()))
		}
	}
	return nil
}

// AddBlock appends b when it is the valid next block and clears its transactions from the pool.
func (l *Ledger) AddBlock(b *block.Block) error {
	return l.appendBlock(b, false)
}

// CommitBlock appends b and marks it finalized in one step, so no fork resolution can run in between.
func (l *Ledger) CommitBlock(b *block.Block) error {
	return l.appendBlock(b, true)
}

func (l *Ledger) appendBlock(b *block.Block, finalize bool) error {
	l.mu.Lock()
	if err := l.validateNextLocked(b, l.tipLocked(), l.includedTxs); err != nil {
		l.mu.Unlock()
		return err
	}
	stored := b.Clone()
	l.chain = append(l.chain, stored)
	l.indexBlockLocked(stored)
	if finalize {
		l.finalized[stored.BlockHash] = struct{}{}
	}
	l.pool.Remove(stored.TxIDs())
	height := len(l.chain)
	pending := l.pool.Len()
	l.mu.Unlock()

	monitoring.SetBlockHeight(uint64(height))
	monitoring.SetPendingPoolSize(pending)
	monitoring.RecordTxInBlock(len(stored.Transactions))
	logx.Info("LEDGER", fmt.Sprintf("Appended block %d hash=%s proposer=%s txs=%d", stored.Index, block.ShortHash(stored.BlockHash), stored.Proposer, len(stored.Transactions)))
	return nil
}

// ValidateChain checks a full chain from genesis: linkage, hashes and transactions.
func (l *Ledger) ValidateChain(blocks []*block.Block) error {
	if len(blocks) == 0 {
		return errors.Sync(errors.ErrCodeInvalidCandidate, "empty chain")
	}
	if blocks[0].BlockHash != block.Genesis().BlockHash || !blocks[0].HashValid() {
		return errors.Sync(errors.ErrCodeGenesisMismatch, "chain does not start at the shared genesis block")
	}
	included := make(map[string]uint64)
	for i := 1; i < len(blocks); i++ {
		if err := l.validateNextLocked(blocks[i], blocks[i-1], included); err != nil {
			return err
		}
		for _, tx := range blocks[i].Transactions {
			included[tx.ID] = blocks[i].Index
		}
	}
	return nil
}

func (l *Ledger) IsChainValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ValidateChain(l.chain) == nil
}

// ConfirmBlock records that peer confirmed hash. counted is true only the first time the pair is seen
// for a block on this chain.
func (l *Ledger) ConfirmBlock(hash, peer string) bool {
	l.mu.Lock()
	if _, ok := l.hashIndex[hash]; !ok {
		l.mu.Unlock()
		return false
	}
	peers, ok := l.confirmations[hash]
	if !ok {
		peers = make(map[string]struct{})
		l.confirmations[hash] = peers
	}
	if _, seen := peers[peer]; seen {
		l.mu.Unlock()
		return false
	}
	peers[peer] = struct{}{}
	count := len(peers)
	newlyFinal := false
	if count >= l.threshold {
		if _, done := l.finalized[hash]; !done {
			l.finalized[hash] = struct{}{}
			newlyFinal = true
		}
	}
	l.mu.Unlock()

	if newlyFinal {
		monitoring.IncreaseFinalizedBlocks()
		logx.Info("LEDGER", fmt.Sprintf("Block %s finalized by %d confirmations", block.ShortHash(hash), count))
	}
	return true
}

func (l *Ledger) ConfirmationCount(hash string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.confirmations[hash])
}

// MarkFinalized is used by consensus after commit quorum. Unknown hashes are ignored.
func (l *Ledger) MarkFinalized(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.hashIndex[hash]; !ok {
		return
	}
	l.finalized[hash] = struct{}{}
}

func (l *Ledger) IsFinalized(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.finalized[hash]
	return ok
}

// Repair truncates the chain to its longest valid prefix and returns how many blocks were dropped.
func (l *Ledger) Repair() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	genesis := block.Genesis()
	if l.chain[0].BlockHash != genesis.BlockHash || !l.chain[0].HashValid() {
		removed := len(l.chain) - 1
		orphans := l.chain[1:]
		finalized := l.finalized
		l.resetLocked([]*block.Block{genesis})
		l.requeueLocked(orphans)
		l.keepFinalizedLocked(finalized)
		logx.Warn("LEDGER", fmt.Sprintf("Genesis mismatch, chain reset to genesis (%d blocks dropped)", removed))
		return removed
	}

	included := make(map[string]uint64)
	cut := len(l.chain)
	for i := 1; i < len(l.chain); i++ {
		if err := l.validateNextLocked(l.chain[i], l.chain[i-1], included); err != nil {
			logx.Warn("LEDGER", fmt.Sprintf("Chain invalid at block %d: %v", i, err))
			cut = i
			break
		}
		for _, tx := range l.chain[i].Transactions {
			included[tx.ID] = l.chain[i].Index
		}
	}
	if cut == len(l.chain) {
		return 0
	}

	removed := l.chain[cut:]
	l.chain = l.chain[:cut]
	for _, b := range removed {
		l.unindexBlockLocked(b)
	}
	l.requeueLocked(removed)
	monitoring.SetBlockHeight(uint64(len(l.chain)))
	logx.Warn("LEDGER", fmt.Sprintf("Repaired chain: truncated to %d blocks, %d removed", len(l.chain), len(removed)))
	return len(removed)
}

// keepFinalizedLocked restores finalized marks for hashes still on the chain.
func (l *Ledger) keepFinalizedLocked(prev map[string]struct{}) {
	for h := range prev {
		if _, ok := l.hashIndex[h]; ok {
			l.finalized[h] = struct{}{}
		}
	}
}

// requeueLocked returns the non-coinbase transactions of orphaned blocks to the pool.
func (l *Ledger) requeueLocked(orphans []*block.Block) int {
	returned := 0
	for _, b := range orphans {
		valid := make([]*transaction.Transaction, 0, len(b.Transactions))
		for _, tx := range b.Transactions {
			if tx.Validate() == nil {
				valid = append(valid, tx)
			}
		}
		returned += l.pool.Requeue(valid, l.isIncludedLocked)
	}
	monitoring.SetPendingPoolSize(l.pool.Len())
	return returned
}

func (l *Ledger) isIncludedLocked(id string) bool {
	_, ok := l.includedTxs[id]
	return ok
}

// ReturnTransactions re-queues transactions of an abandoned local proposal.
func (l *Ledger) ReturnTransactions(txs []*transaction.Transaction) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.pool.Requeue(txs, l.isIncludedLocked)
	monitoring.SetPendingPoolSize(l.pool.Len())
	return n
}

func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.chain))
}

func (l *Ledger) Tip() *block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipLocked().Clone()
}

// BlockAt returns a copy of the block at index, or nil.
func (l *Ledger) BlockAt(index uint64) *block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.chain)) {
		return nil
	}
	return l.chain[index].Clone()
}

func (l *Ledger) HasBlock(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.hashIndex[hash]
	return ok
}

// Blocks returns copies of [start, end] clamped to the chain. ok is false when start is past the tip.
func (l *Ledger) Blocks(start, end uint64) ([]*block.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	length := uint64(len(l.chain))
	if start >= length || end < start {
		return nil, false
	}
	if end >= length {
		end = length - 1
	}
	out := make([]*block.Block, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, l.chain[i].Clone())
	}
	return out, true
}

func (l *Ledger) Chain() []*block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*block.Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.Clone()
	}
	return out
}

func (l *Ledger) PendingTransactions() []*transaction.Transaction {
	return l.pool.Snapshot()
}

func (l *Ledger) PendingCount() int {
	return l.pool.Len()
}

func (l *Ledger) IsPending(id string) bool {
	return l.pool.Has(id)
}

func (l *Ledger) IsIncluded(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isIncludedLocked(id)
}

// Balance sums credits minus debits over the chain, floored at zero.
func (l *Ledger) Balance(address string) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(address)
}

func (l *Ledger) balanceLocked(address string) *uint256.Int {
	credit := uint256.NewInt(0)
	debit := uint256.NewInt(0)
	for _, b := range l.chain {
		for _, tx := range b.Transactions {
			if tx.Recipient == address {
				credit.Add(credit, tx.Amount)
			}
			if tx.Sender == address {
				debit.Add(debit, spendOf(tx))
			}
		}
	}
	if debit.Gt(credit) {
		return uint256.NewInt(0)
	}
	return credit.Sub(credit, debit)
}

// spendOf is what tx takes from its sender.
func spendOf(tx *transaction.Transaction) *uint256.Int {
	out := new(uint256.Int)
	if tx.Amount != nil {
		out.Add(out, tx.Amount)
	}
	if tx.Fee != nil {
		out.Add(out, tx.Fee)
	}
	return out
}

// Spendable is Balance minus what pending transactions of address already spend, floored at zero.
func (l *Ledger) Spendable(address string) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spendableLocked(address)
}

func (l *Ledger) spendableLocked(address string) *uint256.Int {
	available := l.balanceLocked(address)
	pending := uint256.NewInt(0)
	for _, tx := range l.pool.Snapshot() {
		if tx.Sender == address {
			pending.Add(pending, spendOf(tx))
		}
	}
	if pending.Gt(available) {
		return uint256.NewInt(0)
	}
	return available.Sub(available, pending)
}

// CheckSpend rejects a debit of amount that the spendable balance of address cannot cover.
func (l *Ledger) CheckSpend(address string, amount *uint256.Int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkSpendLocked(address, amount)
}

func (l *Ledger) checkSpendLocked(address string, amount *uint256.Int) error {
	available := l.spendableLocked(address)
	if amount.Gt(available) {
		return errors.Validation(errors.ErrCodeInsufficientBalance, fmt.Sprintf("%s can spend %s, needs %s", address, available.Dec(), amount.Dec()))
	}
	return nil
}
