package db

// DatabaseProvider is the key-value backend under store.ChainStore.
// Get returns (nil, nil) for a missing key.
type DatabaseProvider interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Batch() DatabaseBatch
	IterableProvider
	// Close may be called more than once.
	Close() error
}

// IterableProvider scans keys sharing a prefix, such as every block of one node.
// LevelDB yields keys in byte order; Redis order is unspecified. Returning false stops the scan.
type IterableProvider interface {
	IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error
}

// DatabaseBatch groups a snapshot save so blocks, pending and meta land together.
type DatabaseBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
	Close()
}
