package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mezonai/posnode/logx"
)

// RedisOptions selects the server and logical database.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisProvider implements DatabaseProvider for Redis
type RedisProvider struct {
	client  *redis.Client
	timeout time.Duration
}

// blockKeyMarker precedes the 8 byte BigEndian block index in chain store keys.
var blockKeyMarker = []byte(":blk:")

// redisKey renders the binary block index readably so keys can be inspected with redis-cli.
// Iteration order is not preserved by SCAN, so callers sort what IteratePrefix returns.
func redisKey(key []byte) string {
	i := bytes.Index(key, blockKeyMarker)
	if i < 0 || len(key) != i+len(blockKeyMarker)+8 {
		return string(key)
	}
	index := binary.BigEndian.Uint64(key[i+len(blockKeyMarker):])
	return fmt.Sprintf("%s%s%020d", key[:i], blockKeyMarker, index)
}

// rawKey reverses redisKey.
func rawKey(k string) []byte {
	key := []byte(k)
	i := bytes.Index(key, blockKeyMarker)
	if i < 0 || len(key) != i+len(blockKeyMarker)+20 {
		return key
	}
	var index uint64
	if _, err := fmt.Sscanf(string(key[i+len(blockKeyMarker):]), "%d", &index); err != nil {
		return key
	}
	out := append([]byte{}, key[:i+len(blockKeyMarker)]...)
	return binary.BigEndian.AppendUint64(out, index)
}

// NewRedisProvider connects and pings the server.
func NewRedisProvider(opts RedisOptions) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	p := &RedisProvider{client: client, timeout: 5 * time.Second}

	ctx, cancel := p.ctx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", opts.Addr)
	}
	return p, nil
}

func (p *RedisProvider) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

func (p *RedisProvider) Get(key []byte) ([]byte, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	value, err := p.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *RedisProvider) Put(key, value []byte) error {
	ctx, cancel := p.ctx()
	defer cancel()
	k := redisKey(key)
	logx.Debug("REDIS", "Put key:", k, " value length:", len(value))
	return p.client.Set(ctx, k, value, 0).Err()
}

func (p *RedisProvider) Delete(key []byte) error {
	ctx, cancel := p.ctx()
	defer cancel()
	return p.client.Del(ctx, redisKey(key)).Err()
}

func (p *RedisProvider) Has(key []byte) (bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	count, err := p.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

func (p *RedisProvider) Batch() DatabaseBatch {
	return &RedisBatch{client: p.client, pipe: p.client.TxPipeline(), timeout: p.timeout}
}

// IteratePrefix walks matching keys with SCAN.
func (p *RedisProvider) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	ctx := context.Background()
	pattern := string(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return err
		}
		cursor = next
		for _, k := range keys {
			val, err := p.client.Get(ctx, k).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			if !fn(rawKey(k), val) {
				return nil
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// RedisBatch queues writes in a MULTI/EXEC pipeline.
type RedisBatch struct {
	client  *redis.Client
	pipe    redis.Pipeliner
	timeout time.Duration
}

func (b *RedisBatch) Put(key, value []byte) {
	b.pipe.Set(context.Background(), redisKey(key), value, 0)
}

func (b *RedisBatch) Delete(key []byte) {
	b.pipe.Del(context.Background(), redisKey(key))
}

func (b *RedisBatch) Write() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	_, err := b.pipe.Exec(ctx)
	return err
}

func (b *RedisBatch) Reset() {
	b.pipe.Discard()
	b.pipe = b.client.TxPipeline()
}

func (b *RedisBatch) Close() {
	b.pipe.Discard()
}
