package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/lock"
	"github.com/example/fleetslot/internal/booking/overlap"
	"github.com/example/fleetslot/internal/booking/repository"
	"github.com/example/fleetslot/internal/booking/service"
)

var base = time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

func hours(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.BookingEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.BookingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.BookingEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BookingEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type fixture struct {
	svc       *service.Service
	repo      *repository.MemoryRepository
	publisher *stubPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	publisher := &stubPublisher{}
	engine := overlap.New(repo, nil, overlap.Config{})
	locks := lock.New(lock.NewMemoryStore(), nil, lock.Config{MaxAttempts: 10, Backoff: time.Millisecond})
	svc := service.New(repo, engine, locks,
		service.WithPublisher(publisher),
		service.WithClock(stubClock{t: base}),
		service.WithIdempotency(repository.NewMemoryIdempotencyRepo(0)),
	)
	return fixture{svc: svc, repo: repo, publisher: publisher}
}

func request(driverID, vehicleID uuid.UUID, start, end int) service.CreateBookingRequest {
	return service.CreateBookingRequest{DriverID: driverID, VehicleID: vehicleID, Start: hours(start), End: hours(end)}
}

func TestCreateBookingScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	first, err := f.svc.CreateBooking(ctx, "", service.CreateBookingRequest{
		Number:    "T-1",
		DriverID:  driverID,
		VehicleID: vehicleID,
		Start:     hours(1),
		End:       hours(3),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, first.Status)

	_, err = f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 2, 4))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 1)
	require.Equal(t, first.ID, conflict.Conflicts[0].BookingID)
	require.Equal(t, domain.ConflictDriverVehicle, conflict.Conflicts[0].Kind)
	require.Contains(t, err.Error(), "Trip #T-1 (driver+vehicle)")

	_, err = f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 3, 5))
	require.NoError(t, err, "adjacent window must be accepted")

	_, err = f.svc.CancelBooking(ctx, first.ID)
	require.NoError(t, err)

	_, err = f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 1, 3))
	require.NoError(t, err, "cancelled bookings must not block")

	require.Equal(t, []domain.BookingEventType{
		domain.EventBookingScheduled,
		domain.EventBookingScheduled,
		domain.EventBookingCancelled,
		domain.EventBookingScheduled,
	}, f.publisher.types())
	require.Len(t, f.repo.Events(), 4)
}

func TestCreateBookingSharedResourceKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	_, err := f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 0, 2))
	require.NoError(t, err)

	_, err = f.svc.CreateBooking(ctx, "", request(driverID, uuid.New(), 1, 2))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, domain.ConflictDriver, conflict.Conflicts[0].Kind)

	_, err = f.svc.CreateBooking(ctx, "", request(uuid.New(), vehicleID, 1, 5))
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, domain.ConflictVehicle, conflict.Conflicts[0].Kind)
}

func TestCreateBookingRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBooking(ctx, "", request(uuid.New(), uuid.New(), 3, 3))
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = f.svc.CreateBooking(ctx, "", service.CreateBookingRequest{DriverID: uuid.New(), VehicleID: uuid.New(), Start: hours(1)})
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = f.svc.CreateBooking(ctx, "", request(uuid.Nil, uuid.New(), 1, 2))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Empty(t, f.repo.Events())
}

func TestCreateBookingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	first, err := f.svc.CreateBooking(ctx, "key-1", request(driverID, vehicleID, 1, 2))
	require.NoError(t, err)

	again, err := f.svc.CreateBooking(ctx, "key-1", request(driverID, vehicleID, 1, 2))
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, f.publisher.types(), 1)
}

func TestConcurrentCreatesAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 1, 3))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.IsConflict(err), errors.Is(err, lock.ErrResourceBusy):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)

	found, err := f.repo.FindInRange(ctx, driverID, vehicleID, domain.Window{Start: hours(0), End: hours(4)})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestUpdateBookingExcludesItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	b, err := f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 1, 3))
	require.NoError(t, err)

	origin := "Depot A"
	updated, err := f.svc.UpdateBooking(ctx, b.ID, service.UpdateBookingRequest{Origin: &origin})
	require.NoError(t, err)
	require.Equal(t, origin, updated.Origin)

	end := hours(4)
	updated, err = f.svc.UpdateBooking(ctx, b.ID, service.UpdateBookingRequest{End: &end})
	require.NoError(t, err, "extending over its own window must not conflict")
	require.True(t, updated.Window.End.Equal(end))
	require.EqualValues(t, 3, updated.Version)
}

func TestUpdateBookingDetectsNewConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	_, err := f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 5, 7))
	require.NoError(t, err)
	other, err := f.svc.CreateBooking(ctx, "", request(uuid.New(), uuid.New(), 5, 7))
	require.NoError(t, err)

	_, err = f.svc.UpdateBooking(ctx, other.ID, service.UpdateBookingRequest{DriverID: &driverID})
	require.True(t, domain.IsConflict(err))

	start, end := hours(7), hours(8)
	_, err = f.svc.UpdateBooking(ctx, other.ID, service.UpdateBookingRequest{DriverID: &driverID, Start: &start, End: &end})
	require.NoError(t, err)

	inverted := hours(6)
	_, err = f.svc.UpdateBooking(ctx, other.ID, service.UpdateBookingRequest{End: &inverted})
	require.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, "", request(uuid.New(), uuid.New(), 1, 2))
	require.NoError(t, err)

	_, err = f.svc.CompleteBooking(ctx, b.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	started, err := f.svc.StartBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, started.Status)
	require.NotNil(t, started.ActualStart)

	_, err = f.svc.StartBooking(ctx, b.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	completed, err := f.svc.CompleteBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, completed.Status)
	require.NotNil(t, completed.ActualEnd)

	_, err = f.svc.CancelBooking(ctx, b.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	start := hours(3)
	_, err = f.svc.UpdateBooking(ctx, b.ID, service.UpdateBookingRequest{Start: &start})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.StartBooking(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAvailabilityQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()

	_, err := f.svc.CreateBooking(ctx, "", request(driverID, vehicleID, 2, 4))
	require.NoError(t, err)

	slots, err := f.svc.FreeSlots(ctx, driverID, vehicleID, domain.Window{Start: hours(0), End: hours(10)})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	require.True(t, slots[0].End.Equal(hours(2)))
	require.True(t, slots[1].Start.Equal(hours(4)))

	busy, err := f.svc.HasOverlap(ctx, driverID, vehicleID, domain.Window{Start: hours(3), End: hours(5)}, uuid.Nil)
	require.NoError(t, err)
	require.True(t, busy)

	suggestions, err := f.svc.SuggestAlternatives(ctx, driverID, vehicleID, domain.Window{Start: hours(2), End: hours(4)}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	require.LessOrEqual(t, len(suggestions), service.DefaultMaxSuggestions)

	next, err := f.svc.NextAvailableSlot(ctx, driverID, vehicleID, hours(2), 60)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.True(t, next.Start.Equal(hours(4)))
}
