package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/db"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/ledger"
	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
	"github.com/mezonai/posnode/staking"
	"github.com/mezonai/posnode/transaction"
)

// ChainStore persists a node's chain and stake state between runs.
type ChainStore interface {
	Save(nodeID string, snap *ledger.ChainSnapshot) error
	// Load returns (nil, nil) when nothing was stored for nodeID.
	Load(nodeID string) (*ledger.ChainSnapshot, error)
	SaveStakes(nodeID string, state *staking.StakeState) error
	LoadStakes(nodeID string) (*staking.StakeState, error)
	Close() error
}

type chainMeta struct {
	ChainLength uint64   `json:"chainLength"`
	Finalized   []string `json:"finalized"`
	SavedAt     int64    `json:"savedAt"`
}

// GenericChainStore is a database-agnostic ChainStore over a DatabaseProvider.
type GenericChainStore struct {
	provider db.DatabaseProvider
	mu       sync.Mutex
}

func NewGenericChainStore(provider db.DatabaseProvider) (*GenericChainStore, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	return &GenericChainStore{provider: provider}, nil
}

// Save writes the snapshot in one batch and drops blocks left over from a longer earlier chain.
func (s *GenericChainStore) Save(nodeID string, snap *ledger.ChainSnapshot) error {
	if snap == nil {
		return nil
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadMeta(nodeID)
	if err != nil {
		return err
	}

	batch := s.provider.Batch()
	defer batch.Close()
	for _, b := range snap.Blocks {
		data, err := jsonx.Marshal(b)
		if err != nil {
			return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("encode block %d: %v", b.Index, err))
		}
		batch.Put(blockKey(nodeID, b.Index), data)
	}
	length := uint64(len(snap.Blocks))
	if prev != nil {
		for i := length; i < prev.ChainLength; i++ {
			batch.Delete(blockKey(nodeID, i))
		}
	}

	pending, err := jsonx.Marshal(snap.PendingTransactions)
	if err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("encode pending: %v", err))
	}
	batch.Put(pendingKey(nodeID), pending)

	meta, err := jsonx.Marshal(chainMeta{ChainLength: length, Finalized: snap.Finalized, SavedAt: time.Now().Unix()})
	if err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("encode meta: %v", err))
	}
	batch.Put(metaKey(nodeID), meta)

	if err := batch.Write(); err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("write chain of %s: %v", nodeID, err))
	}
	monitoring.RecordStoreSave(time.Since(start))
	logx.Debug("STORE", fmt.Sprintf("Saved chain of %s: blocks=%d pending=%d", nodeID, length, len(snap.PendingTransactions)))
	return nil
}

func (s *GenericChainStore) loadMeta(nodeID string) (*chainMeta, error) {
	data, err := s.provider.Get(metaKey(nodeID))
	if err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("read meta of %s: %v", nodeID, err))
	}
	if data == nil {
		return nil, nil
	}
	var meta chainMeta
	if err := jsonx.Unmarshal(data, &meta); err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("decode meta of %s: %v", nodeID, err))
	}
	return &meta, nil
}

// Load reads blocks in index order and stops at the first missing or unreadable one;
// the ledger repairs whatever prefix comes back.
func (s *GenericChainStore) Load(nodeID string) (*ledger.ChainSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(nodeID)
	if err != nil || meta == nil {
		return nil, err
	}

	snap := &ledger.ChainSnapshot{Finalized: meta.Finalized}
	for i := uint64(0); i < meta.ChainLength; i++ {
		data, err := s.provider.Get(blockKey(nodeID, i))
		if err != nil {
			return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("read block %d of %s: %v", i, nodeID, err))
		}
		if data == nil {
			logx.Warn("STORE", fmt.Sprintf("Block %d of %s missing, loading %d blocks", i, nodeID, i))
			break
		}
		var b block.Block
		if err := jsonx.Unmarshal(data, &b); err != nil {
			logx.Warn("STORE", fmt.Sprintf("Block %d of %s unreadable, loading %d blocks: %v", i, nodeID, i, err))
			break
		}
		snap.Blocks = append(snap.Blocks, &b)
	}
	snap.ChainLength = uint64(len(snap.Blocks))

	if data, err := s.provider.Get(pendingKey(nodeID)); err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("read pending of %s: %v", nodeID, err))
	} else if data != nil {
		var pending []*transaction.Transaction
		if err := jsonx.Unmarshal(data, &pending); err != nil {
			logx.Warn("STORE", fmt.Sprintf("Pending pool of %s unreadable, dropping it: %v", nodeID, err))
		} else {
			snap.PendingTransactions = pending
		}
	}
	return snap, nil
}

func (s *GenericChainStore) SaveStakes(nodeID string, state *staking.StakeState) error {
	if state == nil {
		return nil
	}
	data, err := jsonx.Marshal(state)
	if err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("encode stakes: %v", err))
	}
	if err := s.provider.Put(stakesKey(nodeID), data); err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("write stakes of %s: %v", nodeID, err))
	}
	return nil
}

func (s *GenericChainStore) LoadStakes(nodeID string) (*staking.StakeState, error) {
	data, err := s.provider.Get(stakesKey(nodeID))
	if err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("read stakes of %s: %v", nodeID, err))
	}
	if data == nil {
		return nil, nil
	}
	var state staking.StakeState
	if err := jsonx.Unmarshal(data, &state); err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("decode stakes of %s: %v", nodeID, err))
	}
	return &state, nil
}

func (s *GenericChainStore) Close() error {
	return s.provider.Close()
}
