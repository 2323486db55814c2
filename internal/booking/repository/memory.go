package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/fleetslot/internal/booking/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
	events   []domain.BookingEvent
	nextSeq  int64

	// txMu serialises WithinTx callers so check-then-act is atomic.
	txMu sync.Mutex
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bookings: make(map[uuid.UUID]domain.Booking)}
}

// FindConflicting scans all bookings with the shared conflict predicate.
func (m *MemoryRepository) FindConflicting(_ context.Context, q domain.ConflictQuery) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []domain.Booking
	for _, b := range m.bookings {
		if q.Matches(b) {
			found = append(found, b)
		}
	}
	sortByStart(found)
	return found, nil
}

// ExistsConflicting stops at the first match.
func (m *MemoryRepository) ExistsConflicting(_ context.Context, q domain.ConflictQuery) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if q.Matches(b) {
			return true, nil
		}
	}
	return false, nil
}

// FindInRange returns active bookings for either resource intersecting rng.
func (m *MemoryRepository) FindInRange(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]domain.Booking, error) {
	return m.FindConflicting(ctx, domain.ConflictQuery{DriverID: driverID, VehicleID: vehicleID, Window: rng})
}

// GetByID retrieves a booking.
func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

// Save inserts new bookings and replaces existing ones, bumping the version.
func (m *MemoryRepository) Save(_ context.Context, b domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if existing, ok := m.bookings[b.ID]; ok {
		b.Version = existing.Version + 1
		b.CreatedAt = existing.CreatedAt
	} else if b.Version == 0 {
		b.Version = 1
	}
	m.bookings[b.ID] = b
	return b, nil
}

// AppendEvent appends events to an in-memory buffer.
func (m *MemoryRepository) AppendEvent(_ context.Context, event domain.BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	event.ID = m.nextSeq
	m.events = append(m.events, event)
	return nil
}

// WithinTx runs fn while holding the writer lock. fn must not call WithinTx again.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo domain.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, m)
}

// Events returns stored events (for tests).
func (m *MemoryRepository) Events() []domain.BookingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.BookingEvent(nil), m.events...)
}

func sortByStart(bookings []domain.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		if bookings[i].Window.Start.Equal(bookings[j].Window.Start) {
			return bookings[i].ID.String() < bookings[j].ID.String()
		}
		return bookings[i].Window.Start.Before(bookings[j].Window.Start)
	})
}
