package repository

import (
	"context"
	"sync"
	"time"
)

type storedResponse struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryIdempotencyRepo keeps create-booking responses keyed by Idempotency-Key.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]storedResponse
}

// NewMemoryIdempotencyRepo constructs the repository. A non-positive ttl keeps
// responses forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]storedResponse)}
}

// GetResponse retrieves a cached response that has not expired.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if !stored.expiresAt.IsZero() && !m.now().Before(stored.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), stored.payload...), true, nil
}

// PutResponse stores the response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := storedResponse{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		stored.expiresAt = m.now().Add(m.ttl)
	}
	m.responses[key] = stored
	return nil
}
