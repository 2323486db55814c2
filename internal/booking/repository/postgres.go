package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/example/fleetslot/internal/booking/domain"
)

// Schema creates the bookings and outbox tables. The unique indexes are the
// storage backstop against identical double-bookings; the engine and locks
// catch every other overlap shape.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id             UUID PRIMARY KEY,
	number         TEXT NOT NULL DEFAULT '',
	driver_id      UUID NOT NULL,
	vehicle_id     UUID NOT NULL,
	origin         TEXT NOT NULL DEFAULT '',
	destination    TEXT NOT NULL DEFAULT '',
	schedule_start TIMESTAMPTZ NOT NULL,
	schedule_end   TIMESTAMPTZ NOT NULL,
	actual_start   TIMESTAMPTZ,
	actual_end     TIMESTAMPTZ,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	version        BIGINT NOT NULL DEFAULT 1,
	CHECK (schedule_start < schedule_end),
	CHECK (status IN ('scheduled', 'in_progress', 'completed', 'cancelled'))
);
CREATE INDEX IF NOT EXISTS bookings_driver_idx ON bookings (driver_id, schedule_start, schedule_end);
CREATE INDEX IF NOT EXISTS bookings_vehicle_idx ON bookings (vehicle_id, schedule_start, schedule_end);
CREATE INDEX IF NOT EXISTS bookings_status_idx ON bookings (status);
CREATE UNIQUE INDEX IF NOT EXISTS bookings_driver_window_key ON bookings (driver_id, schedule_start, schedule_end) WHERE status <> 'cancelled';
CREATE UNIQUE INDEX IF NOT EXISTS bookings_vehicle_window_key ON bookings (vehicle_id, schedule_start, schedule_end) WHERE status <> 'cancelled';
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE published = false;
`

const (
	bookingColumns = `id, number, driver_id, vehicle_id, origin, destination, schedule_start, schedule_end, actual_start, actual_end, status, created_at, updated_at, version`

	// $1 driver, $2 vehicle, $3 window start, $4 window end, $5 excluded id.
	sqlConflictFilter = `status <> 'cancelled'
	AND (driver_id = $1 OR vehicle_id = $2)
	AND schedule_start < $4 AND $3 < schedule_end
	AND id <> $5`

	upsertBooking = `INSERT INTO bookings (` + bookingColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
ON CONFLICT (id) DO UPDATE SET
	number = EXCLUDED.number,
	driver_id = EXCLUDED.driver_id,
	vehicle_id = EXCLUDED.vehicle_id,
	origin = EXCLUDED.origin,
	destination = EXCLUDED.destination,
	schedule_start = EXCLUDED.schedule_start,
	schedule_end = EXCLUDED.schedule_end,
	actual_start = EXCLUDED.actual_start,
	actual_end = EXCLUDED.actual_end,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	version = bookings.version + 1
RETURNING created_at, version`

	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"

	driverWindowKey  = "bookings_driver_window_key"
	vehicleWindowKey = "bookings_vehicle_window_key"

	DefaultEventTopic = "booking.events"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConfig tunes transaction retries and the outbox topic.
type PostgresConfig struct {
	TxRetries  int
	EventTopic string
}

// PostgresRepository stores bookings in Postgres through database/sql and the pgx driver.
type PostgresRepository struct {
	db     *sql.DB
	q      queryer
	inTx   bool
	cfg    PostgresConfig
	logger *zap.Logger
}

func NewPostgresRepository(db *sql.DB, logger *zap.Logger, cfg PostgresConfig) *PostgresRepository {
	if cfg.TxRetries <= 0 {
		cfg.TxRetries = 3
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRepository{db: db, q: db, cfg: cfg, logger: logger}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return domain.NewPersistenceError("migrate", err)
	}
	return nil
}

func (r *PostgresRepository) FindConflicting(ctx context.Context, q domain.ConflictQuery) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + sqlConflictFilter + ` ORDER BY schedule_start, id`
	return r.queryBookings(ctx, "find conflicting", query, q.DriverID, q.VehicleID, q.Window.Start, q.Window.End, q.ExcludeID)
}

func (r *PostgresRepository) ExistsConflicting(ctx context.Context, q domain.ConflictQuery) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM bookings WHERE ` + sqlConflictFilter + `)`
	var exists bool
	err := r.q.QueryRowContext(ctx, query, q.DriverID, q.VehicleID, q.Window.Start, q.Window.End, q.ExcludeID).Scan(&exists)
	if err != nil {
		return false, domain.NewPersistenceError("exists conflicting", err)
	}
	return exists, nil
}

func (r *PostgresRepository) FindInRange(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + sqlConflictFilter + ` ORDER BY schedule_start, id`
	return r.queryBookings(ctx, "find in range", query, driverID, vehicleID, rng.Start, rng.End, uuid.Nil)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, domain.NewPersistenceError("get booking", err)
	}
	return b, nil
}

func (r *PostgresRepository) Save(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = b.UpdatedAt
	}
	err := r.q.QueryRowContext(ctx, upsertBooking,
		b.ID, b.Number, b.DriverID, b.VehicleID, b.Origin, b.Destination,
		b.Window.Start, b.Window.End, nullTime(b.ActualStart), nullTime(b.ActualEnd),
		string(b.Status), b.CreatedAt, b.UpdatedAt,
	).Scan(&b.CreatedAt, &b.Version)
	if err != nil {
		if conflict := backstopConflict(err, b); conflict != nil {
			return domain.Booking{}, conflict
		}
		return domain.Booking{}, domain.NewPersistenceError("save booking", err)
	}
	return b, nil
}

// AppendEvent writes the event to the outbox table; the outbox worker publishes it.
func (r *PostgresRepository) AppendEvent(ctx context.Context, event domain.BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, r.cfg.EventTopic, payload); err != nil {
		return domain.NewPersistenceError("append event", err)
	}
	return nil
}

// WithinTx runs fn in a serializable transaction, retrying on serialization
// failures and deadlocks. Nested calls reuse the open transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo domain.Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	var err error
	for attempt := 1; attempt <= r.cfg.TxRetries; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		r.logger.Warn("booking transaction retry", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(ctx context.Context, repo domain.Repository) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.NewPersistenceError("begin tx", err)
	}
	txRepo := &PostgresRepository{db: r.db, q: tx, inTx: true, cfg: r.cfg, logger: r.logger}
	if err := fn(ctx, txRepo); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewPersistenceError("commit", err)
	}
	return nil
}

func (r *PostgresRepository) queryBookings(ctx context.Context, op, query string, args ...any) ([]domain.Booking, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError(op, err)
	}
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, domain.NewPersistenceError(op, err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError(op, err)
	}
	return bookings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	var status string
	var actualStart, actualEnd sql.NullTime
	err := row.Scan(&b.ID, &b.Number, &b.DriverID, &b.VehicleID, &b.Origin, &b.Destination,
		&b.Window.Start, &b.Window.End, &actualStart, &actualEnd, &status, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)
	if actualStart.Valid {
		t := actualStart.Time
		b.ActualStart = &t
	}
	if actualEnd.Valid {
		t := actualEnd.Time
		b.ActualEnd = &t
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func backstopConflict(err error, b domain.Booking) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return nil
	}
	var kind domain.ConflictKind
	switch pgErr.ConstraintName {
	case driverWindowKey:
		kind = domain.ConflictDriver
	case vehicleWindowKey:
		kind = domain.ConflictVehicle
	default:
		return nil
	}
	return &domain.ConflictError{Conflicts: []domain.Conflict{{Kind: kind, Window: b.Window}}}
}
