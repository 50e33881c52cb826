package store

import (
	"fmt"

	"github.com/mezonai/posnode/db"
)

// StoreType represents the type of store implementation
type StoreType string

const (
	LevelDBStoreType StoreType = "leveldb"
	RedisStoreType   StoreType = "redis"
	// MemoryStoreType keeps LevelDB in memory; nothing survives a restart.
	MemoryStoreType StoreType = "memory"
)

// StoreConfig holds configuration for creating store instances
type StoreConfig struct {
	Type          StoreType
	Directory     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheMB       int
	SyncWrites    bool
}

func (sc *StoreConfig) Validate() error {
	switch sc.Type {
	case LevelDBStoreType:
		if sc.Directory == "" {
			return fmt.Errorf("directory cannot be empty")
		}
	case RedisStoreType:
		if sc.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case MemoryStoreType:
	default:
		return fmt.Errorf("unsupported store type: %s", sc.Type)
	}
	return nil
}

// CreateProvider opens the database backend named by config.
func CreateProvider(config *StoreConfig) (db.DatabaseProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch config.Type {
	case LevelDBStoreType:
		return db.NewLevelDBProvider(db.LevelDBOptions{
			Directory:  config.Directory,
			CacheMB:    config.CacheMB,
			SyncWrites: config.SyncWrites,
		})
	case RedisStoreType:
		return db.NewRedisProvider(db.RedisOptions{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
	default:
		return db.NewMemLevelDBProvider()
	}
}

// CreateChainStore opens the backend and wraps it in a GenericChainStore.
func CreateChainStore(config *StoreConfig) (ChainStore, error) {
	provider, err := CreateProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return NewGenericChainStore(provider)
}
