package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"walletbridge/internal/domain"
)

// MemoryDeduper is an in-process domain.Deduper. Expired keys are dropped by
// Prune.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

var _ domain.Deduper = (*MemoryDeduper)(nil)

// NewMemoryDeduper creates an empty MemoryDeduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{expires: make(map[string]time.Time), now: time.Now}
}

// Seen records key and reports whether it was already recorded within ttl.
func (d *MemoryDeduper) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.expires[key] = now.Add(ttl)
	return false, nil
}

// Prune drops expired keys and returns how many were removed.
func (d *MemoryDeduper) Prune(context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for k, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}

// RedisClient is the subset of the go-redis client used for dedupe.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisDeduper shares dedupe state between processes through Redis. Keys
// expire server-side so no pruning is needed.
type RedisDeduper struct {
	client RedisClient
	prefix string
}

var _ domain.Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper connects to addr. The connection is checked with PING.
func NewRedisDeduper(ctx context.Context, addr, password string, db int) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", domain.ErrStore, addr, err)
	}
	return NewRedisDeduperWithClient(client), nil
}

// NewRedisDeduperWithClient wraps an existing client.
func NewRedisDeduperWithClient(client RedisClient) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "walletbridge:dedupe:"}
}

// Seen uses SET NX so exactly one caller observes a key as new.
func (d *RedisDeduper) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx: %w", domain.ErrStore, err)
	}
	return !created, nil
}

// Close closes the Redis connection.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
