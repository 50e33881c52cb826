package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
)

// growChain appends n empty blocks proposed by proposer.
func growChain(t *testing.T, l *Ledger, proposer string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.AddBlock(l.CreateBlock(proposer)))
	}
}

func TestBlockOneTieBreakIsDeterministic(t *testing.T) {
	a := newTestLedger(t, Config{})
	b := newTestLedger(t, Config{})
	growChain(t, a, "alice", 1)
	growChain(t, b, "bob", 1)

	blockA := a.Tip()
	blockB := b.Tip()
	require.NotEqual(t, blockA.BlockHash, blockB.BlockHash)

	_, err := a.ResolveFork([]*block.Block{blockB})
	require.NoError(t, err)
	_, err = b.ResolveFork([]*block.Block{blockA})
	require.NoError(t, err)

	assert.Equal(t, a.Tip().BlockHash, b.Tip().BlockHash)
	winner := blockA.BlockHash
	if blockB.BlockHash < winner {
		winner = blockB.BlockHash
	}
	assert.Equal(t, winner, a.Tip().BlockHash)
}

func TestResolveForkLongerBranchWins(t *testing.T) {
	local := newTestLedger(t, Config{})
	growChain(t, local, "alice", 1)
	orphanTx := newSignedTx(t, 7, 0)
	_, err := local.AddTransaction(orphanTx)
	require.NoError(t, err)
	growChain(t, local, "alice", 1)
	require.Equal(t, uint64(3), local.Len())

	remote := newTestLedger(t, Config{})
	remote.Restore(&ChainSnapshot{Blocks: local.Chain()[:2]})
	growChain(t, remote, "bob", 3)

	branch, ok := remote.Blocks(2, 4)
	require.True(t, ok)

	res, err := local.ResolveFork(branch)
	require.NoError(t, err)
	assert.Equal(t, ForkReplaced, res.Outcome)
	assert.Equal(t, uint64(2), res.ForkPoint)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, 1, res.Orphaned)
	assert.Equal(t, remote.Tip().BlockHash, local.Tip().BlockHash)
	assert.True(t, local.IsPending(orphanTx.ID), "orphaned tx returns to the pool")
	assert.True(t, local.IsChainValid())
}

func TestResolveForkShorterBranchKeepsLocal(t *testing.T) {
	local := newTestLedger(t, Config{})
	growChain(t, local, "alice", 3)

	remote := newTestLedger(t, Config{})
	growChain(t, remote, "bob", 1)

	res, err := local.ResolveFork([]*block.Block{remote.Tip()})
	require.NoError(t, err)
	assert.Equal(t, ForkKeptLocal, res.Outcome)
	assert.Equal(t, uint64(4), local.Len())
}

func TestResolveForkExtendsAndIgnoresKnown(t *testing.T) {
	source := newTestLedger(t, Config{})
	growChain(t, source, "alice", 3)

	local := newTestLedger(t, Config{})
	blocks, ok := source.Blocks(1, 3)
	require.True(t, ok)

	res, err := local.ResolveFork(blocks)
	require.NoError(t, err)
	assert.Equal(t, ForkExtended, res.Outcome)
	assert.Equal(t, 3, res.Appended)
	assert.Equal(t, source.Tip().BlockHash, local.Tip().BlockHash)

	res, err = local.ResolveFork(blocks)
	require.NoError(t, err)
	assert.Equal(t, ForkUnchanged, res.Outcome)
}

func TestResolveForkErrors(t *testing.T) {
	local := newTestLedger(t, Config{})
	growChain(t, local, "alice", 2)

	other := newTestLedger(t, Config{})
	growChain(t, other, "bob", 5)

	tests := []struct {
		name   string
		branch func() []*block.Block
		code   errors.ErrorCode
	}{
		{"unreachable fork point", func() []*block.Block {
			b, _ := other.Blocks(3, 4)
			return b
		}, errors.ErrCodeNoForkPoint},
		{"gap past tip", func() []*block.Block {
			b, _ := other.Blocks(5, 5)
			return b
		}, errors.ErrCodeNoForkPoint},
		{"discontiguous", func() []*block.Block {
			b1 := other.BlockAt(1)
			b3 := other.BlockAt(3)
			return []*block.Block{b1, b3}
		}, errors.ErrCodeDiscontiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := local.ResolveFork(tt.branch())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrSync))
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestFinalizedBlocksAreNeverReplaced(t *testing.T) {
	local := newTestLedger(t, Config{})
	growChain(t, local, "alice", 1)
	local.MarkFinalized(local.Tip().BlockHash)

	remote := newTestLedger(t, Config{})
	growChain(t, remote, "bob", 4)

	branch, _ := remote.Blocks(1, 4)
	_, err := local.ResolveFork(branch)
	assert.Equal(t, errors.ErrCodeFinalizedReorg, errors.CodeOf(err))

	err = local.ReplaceChain(remote.Chain())
	assert.Equal(t, errors.ErrCodeFinalizedReorg, errors.CodeOf(err))
	assert.Equal(t, uint64(2), local.Len())
}

func TestReplaceChain(t *testing.T) {
	local := newTestLedger(t, Config{})
	growChain(t, local, "alice", 2)

	remote := newTestLedger(t, Config{})
	growChain(t, remote, "bob", 2)

	err := local.ReplaceChain(remote.Chain())
	assert.Equal(t, errors.ErrCodeNotLonger, errors.CodeOf(err))

	growChain(t, remote, "bob", 1)
	require.NoError(t, local.ReplaceChain(remote.Chain()))
	assert.Equal(t, remote.Tip().BlockHash, local.Tip().BlockHash)

	growChain(t, remote, "bob", 2)
	tampered := remote.Chain()
	tampered[2].Proposer = "mallory"
	err = local.ReplaceChain(tampered)
	assert.Equal(t, errors.ErrCodeInvalidCandidate, errors.CodeOf(err))
}

func TestCommitBlockFinalizesBeforeForkResolution(t *testing.T) {
	a := newTestLedger(t, Config{})
	b := newTestLedger(t, Config{})
	blockA := a.CreateBlock("alice")
	blockB := b.CreateBlock("bob")
	require.NotEqual(t, blockA.BlockHash, blockB.BlockHash)

	// commit the block the tie-break would otherwise discard
	committed, rival := blockA, blockB
	if committed.BlockHash < rival.BlockHash {
		committed, rival = rival, committed
	}

	local := newTestLedger(t, Config{})
	require.NoError(t, local.CommitBlock(committed))
	assert.True(t, local.IsFinalized(committed.BlockHash))

	_, err := local.ResolveFork([]*block.Block{rival})
	assert.Equal(t, errors.ErrCodeFinalizedReorg, errors.CodeOf(err))
	assert.Equal(t, committed.BlockHash, local.Tip().BlockHash)

	plain := newTestLedger(t, Config{})
	require.NoError(t, plain.AddBlock(committed))
	assert.False(t, plain.IsFinalized(committed.BlockHash))
	res, err := plain.ResolveFork([]*block.Block{rival})
	require.NoError(t, err)
	assert.Equal(t, ForkReplaced, res.Outcome)
}
