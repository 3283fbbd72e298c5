package lti

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// NonceStore remembers launch nonces for the replay window.
type NonceStore interface {
	// Claim records key and reports false if it was already recorded.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a bounded in-process NonceStore. Entries expire after the
// ttl given at construction; the per-call ttl is ignored.
type MemoryNonces struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryNonces(size int, ttl time.Duration) *MemoryNonces {
	return &MemoryNonces{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *MemoryNonces) Claim(ctx context.Context, key string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Contains(key) {
		return false, nil
	}
	m.cache.Add(key, struct{}{})
	return true, nil
}

// RedisNonces shares the replay window across instances.
type RedisNonces struct {
	client *redis.Client
}

func NewRedisNonces(client *redis.Client) *RedisNonces {
	return &RedisNonces{client: client}
}

func (r *RedisNonces) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "gened:lti-nonce:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}
