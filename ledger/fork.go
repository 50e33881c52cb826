package ledger

import (
	"fmt"
	"sort"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/events"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
)

type ForkOutcome string

const (
	// ForkUnchanged: every block of the branch is already on the chain.
	ForkUnchanged ForkOutcome = "unchanged"
	// ForkExtended: the branch continues the local tip and was appended.
	ForkExtended ForkOutcome = "extended"
	// ForkReplaced: the local suffix after the fork point was swapped for the branch.
	ForkReplaced ForkOutcome = "replaced"
	// ForkKeptLocal: the local suffix wins.
	ForkKeptLocal ForkOutcome = "kept_local"
)

type ForkResult struct {
	Outcome   ForkOutcome
	ForkPoint uint64
	Replaced  int
	Appended  int
	Orphaned  int
}

// ResolveFork weighs a contiguous branch against the local chain.
// The branch must link to a local block; otherwise a sync error asks the caller for a full resync.
// The longer chain wins. When both end at the first divergent block, the smaller hash wins.
// Finalized blocks are never replaced.
func (l *Ledger) ResolveFork(branch []*block.Block) (ForkResult, error) {
	if len(branch) == 0 {
		return ForkResult{Outcome: ForkUnchanged}, nil
	}
	sorted := make([]*block.Block, len(branch))
	copy(sorted, branch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Index != sorted[i-1].Index+1 {
			return ForkResult{}, errors.Sync(errors.ErrCodeDiscontiguous, fmt.Sprintf("branch jumps from %d to %d", sorted[i-1].Index, sorted[i].Index))
		}
	}

	l.mu.Lock()
	result, err := l.resolveForkLocked(sorted)
	length := len(l.chain)
	tip := l.tipLocked().BlockHash
	l.mu.Unlock()

	if err != nil {
		monitoring.RecordForkResolution("rejected")
		return result, err
	}
	monitoring.RecordForkResolution(string(result.Outcome))
	if result.Outcome == ForkReplaced || result.Outcome == ForkExtended {
		monitoring.SetBlockHeight(uint64(length))
		monitoring.SetPendingPoolSize(l.pool.Len())
	}
	if result.Outcome == ForkReplaced {
		logx.Info("LEDGER", fmt.Sprintf("Fork resolved at %d: replaced %d blocks, new tip %s, %d txs returned to pool",
			result.ForkPoint, result.Replaced, block.ShortHash(tip), result.Orphaned))
		events.Emit(l.publisher, events.NewForkResolved(result.ForkPoint, tip, result.Replaced, result.Orphaned))
	}
	return result, nil
}

func (l *Ledger) resolveForkLocked(branch []*block.Block) (ForkResult, error) {
	first := branch[0]
	localLen := uint64(len(l.chain))

	if first.Index == 0 {
		if first.BlockHash != l.chain[0].BlockHash {
			return ForkResult{}, errors.Sync(errors.ErrCodeGenesisMismatch, "branch starts at a different genesis block")
		}
	} else {
		if first.Index-1 >= localLen {
			return ForkResult{}, errors.Sync(errors.ErrCodeNoForkPoint, fmt.Sprintf("branch starts at %d beyond local length %d", first.Index, localLen))
		}
		if l.chain[first.Index-1].BlockHash != first.PreviousHash {
			return ForkResult{}, errors.Sync(errors.ErrCodeNoForkPoint, fmt.Sprintf("branch block %d does not link to local block %d", first.Index, first.Index-1))
		}
	}

	// skip the shared prefix
	divergeAt := -1
	for i, b := range branch {
		if b.Index >= localLen || l.chain[b.Index].BlockHash != b.BlockHash {
			divergeAt = i
			break
		}
	}
	if divergeAt < 0 {
		return ForkResult{Outcome: ForkUnchanged}, nil
	}
	suffix := branch[divergeAt:]
	forkPoint := suffix[0].Index
	branchLen := suffix[len(suffix)-1].Index + 1

	if forkPoint == localLen {
		if err := l.appendAllLocked(suffix); err != nil {
			return ForkResult{}, err
		}
		return ForkResult{Outcome: ForkExtended, ForkPoint: forkPoint, Appended: len(suffix)}, nil
	}

	switch {
	case branchLen > localLen:
	case branchLen == localLen && branchLen == forkPoint+1 && suffix[0].BlockHash < l.chain[forkPoint].BlockHash:
	default:
		return ForkResult{Outcome: ForkKeptLocal, ForkPoint: forkPoint}, nil
	}

	if err := l.checkNotFinalizedLocked(forkPoint); err != nil {
		return ForkResult{}, err
	}
	if err := l.validateSuffixLocked(forkPoint, suffix); err != nil {
		return ForkResult{}, err
	}
	replaced, orphaned := l.replaceSuffixLocked(forkPoint, suffix)
	return ForkResult{Outcome: ForkReplaced, ForkPoint: forkPoint, Replaced: replaced, Appended: len(suffix), Orphaned: orphaned}, nil
}

// ReplaceChain adopts a full candidate chain that is valid and strictly longer than the local one.
func (l *Ledger) ReplaceChain(blocks []*block.Block) error {
	if err := l.ValidateChain(blocks); err != nil {
		return errors.Sync(errors.ErrCodeInvalidCandidate, fmt.Sprintf("candidate chain invalid: %v", err))
	}

	l.mu.Lock()
	oldLen := uint64(len(l.chain))
	if uint64(len(blocks)) <= oldLen {
		l.mu.Unlock()
		return errors.Sync(errors.ErrCodeNotLonger, fmt.Sprintf("candidate length %d is not longer than %d", len(blocks), oldLen))
	}
	forkPoint := oldLen
	for i := uint64(0); i < oldLen; i++ {
		if l.chain[i].BlockHash != blocks[i].BlockHash {
			forkPoint = i
			break
		}
	}
	if err := l.checkNotFinalizedLocked(forkPoint); err != nil {
		l.mu.Unlock()
		return err
	}
	suffix := make([]*block.Block, 0, uint64(len(blocks))-forkPoint)
	for _, b := range blocks[forkPoint:] {
		suffix = append(suffix, b.Clone())
	}
	replaced, orphaned := l.replaceSuffixLocked(forkPoint, suffix)
	newLen := len(l.chain)
	tip := l.tipLocked().BlockHash
	pending := l.pool.Len()
	l.mu.Unlock()

	monitoring.IncreaseChainReplacements()
	monitoring.SetBlockHeight(uint64(newLen))
	monitoring.SetPendingPoolSize(pending)
	logx.Info("LEDGER", fmt.Sprintf("Replaced chain: %d -> %d blocks, fork point %d, %d blocks orphaned, %d txs returned",
		oldLen, newLen, forkPoint, replaced, orphaned))
	events.Emit(l.publisher, events.NewChainReplaced(uint64(newLen), tip, oldLen))
	return nil
}

func (l *Ledger) checkNotFinalizedLocked(from uint64) error {
	for i := from; i < uint64(len(l.chain)); i++ {
		if _, ok := l.finalized[l.chain[i].BlockHash]; ok {
			return errors.Sync(errors.ErrCodeFinalizedReorg, fmt.Sprintf("block %d is finalized", i))
		}
	}
	return nil
}

// validateSuffixLocked checks suffix as a continuation of chain[:forkPoint].
func (l *Ledger) validateSuffixLocked(forkPoint uint64, suffix []*block.Block) error {
	included := make(map[string]uint64, len(l.includedTxs))
	for id, idx := range l.includedTxs {
		if idx < forkPoint {
			included[id] = idx
		}
	}
	prev := l.chain[forkPoint-1]
	for _, b := range suffix {
		if err := l.validateNextLocked(b, prev, included); err != nil {
			return err
		}
		for _, tx := range b.Transactions {
			included[tx.ID] = b.Index
		}
		prev = b
	}
	return nil
}

func (l *Ledger) appendAllLocked(suffix []*block.Block) error {
	prev := l.tipLocked()
	for _, b := range suffix {
		if err := l.validateNextLocked(b, prev, l.includedTxs); err != nil {
			return err
		}
		stored := b.Clone()
		l.chain = append(l.chain, stored)
		l.indexBlockLocked(stored)
		l.pool.Remove(stored.TxIDs())
		prev = stored
	}
	return nil
}

// replaceSuffixLocked swaps chain[forkPoint:] for suffix and moves orphaned txs back to the pool.
func (l *Ledger) replaceSuffixLocked(forkPoint uint64, suffix []*block.Block) (replaced, orphanedTxs int) {
	orphans := append([]*block.Block(nil), l.chain[forkPoint:]...)
	for _, b := range orphans {
		l.unindexBlockLocked(b)
	}
	l.chain = l.chain[:forkPoint]
	for _, b := range suffix {
		stored := b.Clone()
		l.chain = append(l.chain, stored)
		l.indexBlockLocked(stored)
		l.pool.Remove(stored.TxIDs())
	}
	return len(orphans), l.requeueLocked(orphans)
}
