package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrResourceBusy indicates the driver or vehicle stayed locked by another
// writer for every attempt.
var ErrResourceBusy = errors.New("resource busy")

// Config configures acquisition behaviour.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Coordinator serialises writers touching the same driver or vehicle.
type Coordinator struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger, cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, cfg: cfg, logger: logger}
}

// Lease is a set of held resource locks.
type Lease struct {
	store Store
	keys  []string
	token string
}

// Keys returns the locked resource keys in acquisition order.
func (l *Lease) Keys() []string { return append([]string(nil), l.keys...) }

// Release frees every lock in the lease. It is safe to call on a nil lease.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var errs []error
	for i := len(l.keys) - 1; i >= 0; i-- {
		if err := l.store.Release(ctx, l.keys[i], l.token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Acquire locks the driver and vehicle keys. Keys are always taken in sorted
// order so two writers never wait on each other in a cycle. Partial
// acquisitions are rolled back before backing off.
func (c *Coordinator) Acquire(ctx context.Context, driverID, vehicleID uuid.UUID) (*Lease, error) {
	keys := ResourceKeys(driverID, vehicleID)
	lease := &Lease{store: c.store, keys: keys, token: uuid.NewString()}

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		held, err := c.tryAll(ctx, lease)
		if err != nil {
			attemptsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if held {
			attemptsTotal.WithLabelValues("acquired").Inc()
			return lease, nil
		}
		attemptsTotal.WithLabelValues("busy").Inc()
		if attempt < c.cfg.MaxAttempts-1 {
			backoff := c.cfg.Backoff << attempt
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	c.logger.Warn("resource lock busy", zap.Strings("keys", keys), zap.Int("attempts", c.cfg.MaxAttempts))
	return nil, fmt.Errorf("%w: %v", ErrResourceBusy, keys)
}

func (c *Coordinator) tryAll(ctx context.Context, lease *Lease) (bool, error) {
	for i, key := range lease.keys {
		ok, err := c.store.TryAcquire(ctx, key, lease.token, c.cfg.TTL)
		if err == nil && ok {
			continue
		}
		partial := &Lease{store: c.store, keys: lease.keys[:i], token: lease.token}
		if relErr := partial.Release(ctx); relErr != nil {
			c.logger.Warn("release partial lock", zap.Error(relErr))
		}
		return false, err
	}
	return true, nil
}

// ResourceKeys returns the sorted lock keys for a driver and vehicle.
func ResourceKeys(driverID, vehicleID uuid.UUID) []string {
	keys := []string{"driver:" + driverID.String(), "vehicle:" + vehicleID.String()}
	sort.Strings(keys)
	return keys
}
