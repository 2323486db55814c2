package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/repository"
)

var base = time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func win(start, end int) domain.Window { return domain.Window{Start: at(start), End: at(end)} }

func seed(t *testing.T, repo *repository.MemoryRepository, driverID, vehicleID uuid.UUID, w domain.Window, status domain.BookingStatus) domain.Booking {
	t.Helper()
	saved, err := repo.Save(context.Background(), domain.Booking{
		DriverID:  driverID,
		VehicleID: vehicleID,
		Window:    w,
		Status:    status,
	})
	require.NoError(t, err)
	return saved
}

func TestMemoryRepositoryFindConflicting(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	driverA, driverB := uuid.New(), uuid.New()
	vehicleA, vehicleB := uuid.New(), uuid.New()

	sameDriver := seed(t, repo, driverA, vehicleB, win(60, 120), domain.StatusScheduled)
	sameVehicle := seed(t, repo, driverB, vehicleA, win(0, 90), domain.StatusInProgress)
	seed(t, repo, driverA, vehicleA, win(30, 90), domain.StatusCancelled)
	seed(t, repo, driverA, vehicleA, win(120, 180), domain.StatusScheduled)
	seed(t, repo, uuid.New(), uuid.New(), win(0, 600), domain.StatusScheduled)

	found, err := repo.FindConflicting(ctx, domain.ConflictQuery{DriverID: driverA, VehicleID: vehicleA, Window: win(30, 120)})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, sameVehicle.ID, found[0].ID)
	require.Equal(t, sameDriver.ID, found[1].ID)

	exists, err := repo.ExistsConflicting(ctx, domain.ConflictQuery{DriverID: driverA, VehicleID: vehicleA, Window: win(180, 240)})
	require.NoError(t, err)
	require.False(t, exists, "adjacent booking must not conflict")
}

func TestMemoryRepositoryExcludesSelf(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()
	existing := seed(t, repo, driverID, vehicleID, win(0, 60), domain.StatusScheduled)

	q := domain.ConflictQuery{DriverID: driverID, VehicleID: vehicleID, Window: win(30, 90)}
	exists, err := repo.ExistsConflicting(ctx, q)
	require.NoError(t, err)
	require.True(t, exists)

	q.ExcludeID = existing.ID
	exists, err = repo.ExistsConflicting(ctx, q)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemoryRepositoryFindInRange(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	driverID, vehicleID := uuid.New(), uuid.New()
	late := seed(t, repo, driverID, uuid.New(), win(300, 360), domain.StatusScheduled)
	early := seed(t, repo, uuid.New(), vehicleID, win(0, 60), domain.StatusCompleted)
	seed(t, repo, driverID, vehicleID, win(500, 560), domain.StatusScheduled)

	found, err := repo.FindInRange(ctx, driverID, vehicleID, win(0, 480))
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, early.ID, found[0].ID)
	require.Equal(t, late.ID, found[1].ID)
}

func TestMemoryRepositorySaveBumpsVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	created := seed(t, repo, uuid.New(), uuid.New(), win(0, 60), domain.StatusScheduled)
	require.NotEqual(t, uuid.Nil, created.ID)
	require.EqualValues(t, 1, created.Version)

	created.Status = domain.StatusInProgress
	updated, err := repo.Save(ctx, created)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, got.Status)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryWithinTxAppendsEvents(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	bookingID := uuid.New()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx domain.Repository) error {
		require.NoError(t, tx.AppendEvent(ctx, domain.BookingEvent{BookingID: bookingID, Type: domain.EventBookingScheduled}))
		return tx.AppendEvent(ctx, domain.BookingEvent{BookingID: bookingID, Type: domain.EventBookingCancelled})
	})
	require.NoError(t, err)

	events := repo.Events()
	require.Len(t, events, 2)
	require.EqualValues(t, 1, events[0].ID)
	require.EqualValues(t, 2, events[1].ID)
	require.Equal(t, domain.EventBookingCancelled, events[1].Type)
}
