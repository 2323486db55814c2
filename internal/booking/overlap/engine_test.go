package overlap_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/overlap"
	"github.com/example/fleetslot/internal/booking/repository"
)

var base = time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

func hours(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

func win(start, end int) domain.Window { return domain.Window{Start: hours(start), End: hours(end)} }

// countingStore records how many queries reached it.
type countingStore struct {
	calls int
	err   error
}

func (s *countingStore) FindConflicting(context.Context, domain.ConflictQuery) ([]domain.Booking, error) {
	s.calls++
	return nil, s.err
}

func (s *countingStore) ExistsConflicting(context.Context, domain.ConflictQuery) (bool, error) {
	s.calls++
	return false, s.err
}

func (s *countingStore) FindInRange(context.Context, uuid.UUID, uuid.UUID, domain.Window) ([]domain.Booking, error) {
	s.calls++
	return nil, s.err
}

type fixture struct {
	engine    *overlap.Engine
	repo      *repository.MemoryRepository
	driverID  uuid.UUID
	vehicleID uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return fixture{
		engine:    overlap.New(repo, nil, overlap.Config{}),
		repo:      repo,
		driverID:  uuid.New(),
		vehicleID: uuid.New(),
	}
}

func (f fixture) book(t *testing.T, driverID, vehicleID uuid.UUID, w domain.Window, status domain.BookingStatus) domain.Booking {
	t.Helper()
	b, err := f.repo.Save(context.Background(), domain.Booking{DriverID: driverID, VehicleID: vehicleID, Window: w, Status: status})
	require.NoError(t, err)
	return b
}

func TestValidateScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.book(t, f.driverID, f.vehicleID, win(1, 3), domain.StatusScheduled)

	err := f.engine.Validate(ctx, domain.Booking{DriverID: f.driverID, VehicleID: f.vehicleID, Window: win(2, 4), Status: domain.StatusScheduled})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 1)
	require.Equal(t, existing.ID, conflict.Conflicts[0].BookingID)
	require.Equal(t, domain.ConflictDriverVehicle, conflict.Conflicts[0].Kind)

	require.NoError(t, f.engine.Validate(ctx, domain.Booking{DriverID: f.driverID, VehicleID: f.vehicleID, Window: win(3, 5), Status: domain.StatusScheduled}))

	existing.Status = domain.StatusCancelled
	_, err = f.repo.Save(ctx, existing)
	require.NoError(t, err)
	require.NoError(t, f.engine.Validate(ctx, domain.Booking{DriverID: f.driverID, VehicleID: f.vehicleID, Window: win(1, 3), Status: domain.StatusScheduled}))
}

func TestValidateSelfExclusion(t *testing.T) {
	f := newFixture(t)
	existing := f.book(t, f.driverID, f.vehicleID, win(1, 3), domain.StatusScheduled)
	existing.Origin = "Depot B"
	require.NoError(t, f.engine.Validate(context.Background(), existing))
}

func TestValidateSkipsCancelledAndIncompleteCandidates(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.driverID, f.vehicleID, win(1, 3), domain.StatusScheduled)
	ctx := context.Background()

	require.NoError(t, f.engine.Validate(ctx, domain.Booking{DriverID: f.driverID, VehicleID: f.vehicleID, Window: win(1, 3), Status: domain.StatusCancelled}))
	require.NoError(t, f.engine.Validate(ctx, domain.Booking{DriverID: f.driverID, VehicleID: f.vehicleID, Window: domain.Window{Start: hours(1)}, Status: domain.StatusScheduled}))
}

func TestMalformedInputFailsBeforeQuery(t *testing.T) {
	store := &countingStore{}
	engine := overlap.New(store, nil, overlap.Config{})
	ctx := context.Background()
	d, v := uuid.New(), uuid.New()

	err := engine.Validate(ctx, domain.Booking{DriverID: d, VehicleID: v, Window: win(3, 1), Status: domain.StatusScheduled})
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = engine.HasOverlap(ctx, d, v, win(2, 2), uuid.Nil)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = engine.HasOverlap(ctx, uuid.Nil, v, win(1, 2), uuid.Nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = engine.FreeSlots(ctx, d, uuid.Nil, win(0, 10))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = engine.SuggestAlternatives(ctx, d, v, win(1, 2), 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = engine.NextAvailableSlot(ctx, d, v, time.Time{}, 30)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	_, err = engine.NextAvailableSlot(ctx, d, v, hours(0), 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	require.Zero(t, store.calls)
}

func TestStoreFailuresAreNotConflicts(t *testing.T) {
	storeErr := domain.NewPersistenceError("find", errors.New("connection reset"))
	engine := overlap.New(&countingStore{err: storeErr}, nil, overlap.Config{})

	err := engine.Validate(context.Background(), domain.Booking{DriverID: uuid.New(), VehicleID: uuid.New(), Window: win(1, 2), Status: domain.StatusScheduled})
	require.True(t, domain.IsPersistence(err))
	require.False(t, domain.IsConflict(err))
}

func TestHasOverlapAndConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	byDriver := f.book(t, f.driverID, uuid.New(), win(1, 3), domain.StatusInProgress)
	f.book(t, uuid.New(), f.vehicleID, win(5, 6), domain.StatusCompleted)

	found, err := f.engine.HasOverlap(ctx, f.driverID, f.vehicleID, win(3, 5), uuid.Nil)
	require.NoError(t, err)
	require.False(t, found, "adjacent on both sides")

	found, err = f.engine.HasOverlap(ctx, f.driverID, f.vehicleID, win(2, 3), byDriver.ID)
	require.NoError(t, err)
	require.False(t, found)

	conflicts, err := f.engine.Conflicts(ctx, f.driverID, f.vehicleID, win(0, 10), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	require.Equal(t, domain.ConflictDriver, conflicts[0].Kind)
	require.Equal(t, domain.ConflictVehicle, conflicts[1].Kind)
}

func TestFreeSlotsScenario(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.driverID, f.vehicleID, win(2, 4), domain.StatusScheduled)

	slots, err := f.engine.FreeSlots(context.Background(), f.driverID, f.vehicleID, win(0, 10))
	require.NoError(t, err)
	require.Equal(t, []overlap.FreeSlot{
		{Start: hours(0), End: hours(2)},
		{Start: hours(4), End: hours(10)},
	}, slots)
}

func TestFreeSlotsEmptyAndFullRanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots, err := f.engine.FreeSlots(ctx, f.driverID, f.vehicleID, win(0, 10))
	require.NoError(t, err)
	require.Equal(t, []overlap.FreeSlot{{Start: hours(0), End: hours(10)}}, slots)

	f.book(t, f.driverID, uuid.New(), win(-1, 6), domain.StatusScheduled)
	f.book(t, uuid.New(), f.vehicleID, win(5, 12), domain.StatusScheduled)
	slots, err = f.engine.FreeSlots(ctx, f.driverID, f.vehicleID, win(0, 10))
	require.NoError(t, err)
	require.NotNil(t, slots)
	require.Empty(t, slots)
}

func TestFreeSlotsPartitionRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		f := newFixture(t)
		var busy []domain.Window
		for i := 0; i < 6; i++ {
			start := rng.Intn(48) - 4
			w := win(start, start+1+rng.Intn(6))
			driverID, vehicleID := f.driverID, uuid.New()
			if rng.Intn(2) == 0 {
				driverID, vehicleID = uuid.New(), f.vehicleID
			}
			status := domain.StatusScheduled
			if rng.Intn(5) == 0 {
				status = domain.StatusCancelled
			} else {
				busy = append(busy, w)
			}
			f.book(t, driverID, vehicleID, w, status)
		}

		query := win(0, 40)
		slots, err := f.engine.FreeSlots(context.Background(), f.driverID, f.vehicleID, query)
		require.NoError(t, err)

		for i, slot := range slots {
			require.True(t, slot.Start.Before(slot.End))
			require.False(t, slot.Start.Before(query.Start))
			require.False(t, slot.End.After(query.End))
			if i > 0 {
				require.True(t, slots[i-1].End.Before(slot.Start), "slots must be disjoint, ordered and maximal")
			}
		}
		// every hour of the range is either free or busy, never both
		for h := 0; h < 40; h++ {
			hour := domain.Window{Start: hours(h), End: hours(h + 1)}
			free := false
			for _, slot := range slots {
				if (domain.Window{Start: slot.Start, End: slot.End}).Overlaps(hour) {
					free = true
				}
			}
			occupied := false
			for _, w := range busy {
				if w.Overlaps(hour) {
					occupied = true
				}
			}
			require.NotEqual(t, free, occupied, "round %d hour %d", round, h)
		}
	}
}

func TestSuggestAlternatives(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.driverID, f.vehicleID, win(10, 12), domain.StatusScheduled)
	f.book(t, f.driverID, uuid.New(), win(13, 20), domain.StatusScheduled)
	f.book(t, uuid.New(), f.vehicleID, win(21, 30), domain.StatusScheduled)

	engine := overlap.New(f.repo, nil, overlap.Config{SuggestionWindow: 24 * time.Hour})
	suggestions, err := engine.SuggestAlternatives(context.Background(), f.driverID, f.vehicleID, win(10, 12), 3)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)

	require.True(t, suggestions[0].Start.Equal(hours(-14)))
	require.True(t, suggestions[0].End.Equal(hours(-12)))
	require.InDelta(t, 2.0, suggestions[0].RequestedDurationHours, 0.001)
	require.InDelta(t, 24.0, suggestions[0].AvailableDurationHours, 0.001)

	// the one-hour gaps at 12h and 20h are too short
	require.True(t, suggestions[1].Start.Equal(hours(30)))
	require.True(t, suggestions[1].End.Equal(hours(32)))
	require.InDelta(t, 6.0, suggestions[1].AvailableDurationHours, 0.001)

	for _, s := range suggestions {
		require.GreaterOrEqual(t, s.End.Sub(s.Start), 2*time.Hour)
	}

	one, err := engine.SuggestAlternatives(context.Background(), f.driverID, f.vehicleID, win(10, 12), 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
}

func TestSuggestAlternativesHugeLimit(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.driverID, f.vehicleID, win(1, 3), domain.StatusScheduled)

	suggestions, err := f.engine.SuggestAlternatives(context.Background(), f.driverID, f.vehicleID, win(1, 3), 1<<50)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	for _, s := range suggestions {
		require.True(t, s.Start.Before(s.End))
	}
}

func TestNextAvailableSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, f.driverID, f.vehicleID, win(0, 2), domain.StatusScheduled)
	f.book(t, f.driverID, uuid.New(), win(3, 5), domain.StatusScheduled)

	next, err := f.engine.NextAvailableSlot(ctx, f.driverID, f.vehicleID, hours(1), 90)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.True(t, next.Start.Equal(hours(5)))
	require.True(t, next.End.Equal(hours(5).Add(90*time.Minute)))
	require.InDelta(t, 1.5, next.RequestedDurationHours, 0.001)

	short := overlap.New(f.repo, nil, overlap.Config{NextSlotHorizon: 4 * time.Hour})
	none, err := short.NextAvailableSlot(ctx, f.driverID, f.vehicleID, hours(1), 90)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestNextAvailableSlotDurationBeyondHorizon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, minutes := range []int{200_000_000, math.MaxInt32, 30*24*60 + 1} {
		next, err := f.engine.NextAvailableSlot(ctx, f.driverID, f.vehicleID, hours(0), minutes)
		require.NoError(t, err)
		require.Nil(t, next, "duration %d minutes", minutes)
	}

	whole, err := f.engine.NextAvailableSlot(ctx, f.driverID, f.vehicleID, hours(0), 30*24*60)
	require.NoError(t, err)
	require.NotNil(t, whole)
	require.True(t, whole.End.Equal(hours(30*24)))
}
