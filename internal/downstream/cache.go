package downstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisSequenceCache stores last-published sequence numbers in Redis, keyed
// per target so several consumers can share one instance.
type RedisSequenceCache struct {
	client *redis.Client
	target string
}

// NewRedisSequenceCache constructs a cache for one target.
func NewRedisSequenceCache(client *redis.Client, target string) *RedisSequenceCache {
	return &RedisSequenceCache{client: client, target: target}
}

func (c *RedisSequenceCache) key(identityKey string) string {
	return fmt.Sprintf("downstream:%s:seq:%s", c.target, identityKey)
}

func (c *RedisSequenceCache) LastPublished(ctx context.Context, identityKey string) (uint64, bool, error) {
	val, err := c.client.Get(ctx, c.key(identityKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read sequence cache: %w", err)
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt sequence cache entry %q: %w", val, err)
	}
	return seq, true, nil
}

func (c *RedisSequenceCache) SetLastPublished(ctx context.Context, identityKey string, seq uint64) error {
	if err := c.client.Set(ctx, c.key(identityKey), strconv.FormatUint(seq, 10), 0).Err(); err != nil {
		return fmt.Errorf("write sequence cache: %w", err)
	}
	return nil
}

// MemorySequenceCache is the in-process cache used in tests and when Redis
// is not configured.
type MemorySequenceCache struct {
	mu   sync.RWMutex
	seqs map[string]uint64
}

// NewMemorySequenceCache creates an empty cache.
func NewMemorySequenceCache() *MemorySequenceCache {
	return &MemorySequenceCache{seqs: make(map[string]uint64)}
}

func (c *MemorySequenceCache) LastPublished(_ context.Context, identityKey string) (uint64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.seqs[identityKey]
	return seq, ok, nil
}

func (c *MemorySequenceCache) SetLastPublished(_ context.Context, identityKey string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[identityKey] = seq
	return nil
}
