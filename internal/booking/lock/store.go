package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "lock:booking:"

// Store holds short-lived advisory locks keyed by resource. A lock is owned by
// the token that acquired it; Release with another token is a no-op.
type Store interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares locks between service replicas using SET NX PX.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore constructs the store. An empty prefix falls back to the default.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}
}

func (r *RedisStore) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release deletes the key only while it still carries token, so an expired
// lock taken over by another caller is left alone.
func (r *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

type heldLock struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is the single-process Store used with the memory backend and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]heldLock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, locks: make(map[string]heldLock)}
}

func (m *MemoryStore) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	m.locks[key] = heldLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.token == token {
		delete(m.locks, key)
	}
	return nil
}
