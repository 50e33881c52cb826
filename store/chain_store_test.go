package store

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/posnode/db"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
	"github.com/mezonai/posnode/wallet"
)

func newMemStore(t *testing.T) (*GenericChainStore, db.DatabaseProvider) {
	t.Helper()
	p, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	s, err := NewGenericChainStore(p)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, p
}

func signedTx(t *testing.T) *transaction.Transaction {
	t.Helper()
	from, err := wallet.Generate()
	require.NoError(t, err)
	tx := transaction.New(from.Address(), from.Address(), uint256.NewInt(5), uint256.NewInt(1))
	tx.Sign(from)
	return tx
}

func buildLedger(t *testing.T, blocks int) *ledger.Ledger {
	t.Helper()
	l := ledger.NewLedger(ledger.Config{}, nil)
	for i := 0; i < blocks; i++ {
		_, err := l.AddTransaction(signedTx(t))
		require.NoError(t, err)
		require.NoError(t, l.AddBlock(l.CreateBlock("proposer")))
	}
	return l
}

func TestChainStoreRoundTrip(t *testing.T) {
	s, _ := newMemStore(t)

	none, err := s.Load("n1")
	require.NoError(t, err)
	assert.Nil(t, none)

	l := buildLedger(t, 3)
	l.MarkFinalized(l.BlockAt(2).BlockHash)
	_, err = l.AddTransaction(signedTx(t))
	require.NoError(t, err)
	require.NoError(t, s.Save("n1", l.Snapshot()))

	snap, err := s.Load("n1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(4), snap.ChainLength)
	assert.Len(t, snap.PendingTransactions, 1)

	restored := ledger.NewLedger(ledger.Config{}, nil)
	assert.Equal(t, 0, restored.Restore(snap))
	assert.Equal(t, l.Tip().BlockHash, restored.Tip().BlockHash)
	assert.True(t, restored.IsFinalized(l.BlockAt(2).BlockHash))
	assert.Equal(t, 1, restored.PendingCount())

	other, err := s.Load("n2")
	require.NoError(t, err)
	assert.Nil(t, other, "keys are scoped per node")
}

func TestChainStoreDropsStaleBlocks(t *testing.T) {
	s, p := newMemStore(t)
	require.NoError(t, s.Save("n1", buildLedger(t, 4).Snapshot()))
	require.NoError(t, s.Save("n1", buildLedger(t, 1).Snapshot()))

	ok, err := p.Has(blockKey("n1", 3))
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := s.Load("n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.ChainLength)
}

func TestChainStoreLoadsPrefixWhenBlockMissing(t *testing.T) {
	s, p := newMemStore(t)
	require.NoError(t, s.Save("n1", buildLedger(t, 3).Snapshot()))
	require.NoError(t, p.Delete(blockKey("n1", 2)))

	snap, err := s.Load("n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.ChainLength)
}

func TestStakeStateRoundTrip(t *testing.T) {
	s, _ := newMemStore(t)
	w, err := wallet.Generate()
	require.NoError(t, err)

	reg := staking.NewRegistry(staking.Config{})
	require.NoError(t, reg.AddStake(w.Address(), uint256.NewInt(70)))
	reg.SignAnnouncement(w)
	require.NoError(t, s.SaveStakes("n1", reg.State()))

	state, err := s.LoadStakes("n1")
	require.NoError(t, err)
	restored := staking.NewRegistry(staking.Config{})
	restored.RestoreState(state)
	assert.Equal(t, uint64(70), restored.Record(w.Address()).Amount.Uint64())
	assert.Len(t, restored.Announcements(), 1)

	missing, err := s.LoadStakes("n2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateProviderValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  StoreConfig
		ok   bool
	}{
		{"memory", StoreConfig{Type: MemoryStoreType}, true},
		{"leveldb needs a directory", StoreConfig{Type: LevelDBStoreType}, false},
		{"redis needs an address", StoreConfig{Type: RedisStoreType}, false},
		{"unknown", StoreConfig{Type: "rocksdb"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CreateProvider(&tt.cfg)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, p.Close())
		})
	}

	dir := t.TempDir()
	cs, err := CreateChainStore(&StoreConfig{Type: LevelDBStoreType, Directory: dir})
	require.NoError(t, err)
	require.NoError(t, cs.Close())
}
