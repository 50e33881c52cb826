package db

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mezonai/posnode/errors"
)

// LevelDBOptions tunes the chain database. A zero value opens an on-disk store with goleveldb defaults.
type LevelDBOptions struct {
	Directory string
	InMemory  bool
	CacheMB   int
	// SyncWrites fsyncs every batch so a crash never loses a saved snapshot.
	SyncWrites bool
}

// LevelDBProvider stores chain snapshots in LevelDB. Block keys are BigEndian so prefix scans run in index order.
type LevelDBProvider struct {
	db    *leveldb.DB
	write *opt.WriteOptions
	close sync.Once
}

func NewLevelDBProvider(o LevelDBOptions) (*LevelDBProvider, error) {
	dbOpts := &opt.Options{
		// Most reads are point lookups of block keys.
		Filter: filter.NewBloomFilter(10),
	}
	if o.CacheMB > 0 {
		dbOpts.BlockCacheCapacity = o.CacheMB * opt.MiB
	}

	var (
		ldb *leveldb.DB
		err error
	)
	switch {
	case o.InMemory:
		ldb, err = leveldb.Open(storage.NewMemStorage(), dbOpts)
	case o.Directory == "":
		return nil, errors.Storage(errors.ErrCodeStoreRead, "leveldb directory is empty")
	default:
		ldb, err = leveldb.OpenFile(o.Directory, dbOpts)
		if lerrors.IsCorrupted(err) {
			ldb, err = leveldb.RecoverFile(o.Directory, dbOpts)
		}
	}
	if err != nil {
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("open leveldb %q: %v", o.Directory, err))
	}
	return &LevelDBProvider{db: ldb, write: &opt.WriteOptions{Sync: o.SyncWrites}}, nil
}

// NewMemLevelDBProvider backs store type "memory" and tests.
func NewMemLevelDBProvider() (*LevelDBProvider, error) {
	return NewLevelDBProvider(LevelDBOptions{InMemory: true})
}

func (p *LevelDBProvider) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(key, nil)
	switch err {
	case nil:
		return value, nil
	case leveldb.ErrNotFound:
		return nil, nil
	default:
		return nil, errors.Storage(errors.ErrCodeStoreRead, fmt.Sprintf("get %q: %v", key, err))
	}
}

func (p *LevelDBProvider) Put(key, value []byte) error {
	if err := p.db.Put(key, value, p.write); err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("put %q: %v", key, err))
	}
	return nil
}

func (p *LevelDBProvider) Delete(key []byte) error {
	if err := p.db.Delete(key, p.write); err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("delete %q: %v", key, err))
	}
	return nil
}

func (p *LevelDBProvider) Has(key []byte) (bool, error) {
	return p.db.Has(key, nil)
}

func (p *LevelDBProvider) Close() error {
	var err error
	p.close.Do(func() { err = p.db.Close() })
	return err
}

func (p *LevelDBProvider) Batch() DatabaseBatch {
	return &levelDBBatch{owner: p}
}

func (p *LevelDBProvider) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	it := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() && fn(it.Key(), it.Value()) {
	}
	return it.Error()
}

type levelDBBatch struct {
	owner *LevelDBProvider
	b     leveldb.Batch
}

func (b *levelDBBatch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *levelDBBatch) Delete(key []byte)     { b.b.Delete(key) }
func (b *levelDBBatch) Reset()                { b.b.Reset() }
func (b *levelDBBatch) Close()                { b.b.Reset() }

func (b *levelDBBatch) Write() error {
	if b.b.Len() == 0 {
		return nil
	}
	if err := b.owner.db.Write(&b.b, b.owner.write); err != nil {
		return errors.Storage(errors.ErrCodeStoreWrite, fmt.Sprintf("write batch of %d ops: %v", b.b.Len(), err))
	}
	return nil
}
