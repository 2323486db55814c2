package overlap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/fleetslot/internal/booking/domain"
)

const (
	DefaultSuggestionWindow = 7 * 24 * time.Hour
	DefaultNextSlotHorizon  = 30 * 24 * time.Hour
)

// Config tunes the search windows used for suggestions.
type Config struct {
	// SuggestionWindow widens the requested window on both sides when
	// looking for alternatives.
	SuggestionWindow time.Duration
	// NextSlotHorizon bounds how far ahead NextAvailableSlot searches.
	NextSlotHorizon time.Duration
}

// Engine detects conflicts and computes availability on top of an IntervalStore.
type Engine struct {
	store  domain.IntervalStore
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs an Engine.
func New(store domain.IntervalStore, logger *zap.Logger, cfg Config) *Engine {
	if cfg.SuggestionWindow <= 0 {
		cfg.SuggestionWindow = DefaultSuggestionWindow
	}
	if cfg.NextSlotHorizon <= 0 {
		cfg.NextSlotHorizon = DefaultNextSlotHorizon
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, cfg: cfg, logger: logger, tracer: otel.Tracer("booking.overlap")}
}

// WithStore returns a copy of the engine reading from store. The booking workflow
// uses it to run validation against a transaction-bound repository.
func (e *Engine) WithStore(store domain.IntervalStore) *Engine {
	clone := *e
	clone.store = store
	return &clone
}

// Validate fails with *domain.ConflictError when candidate collides with any
// active booking sharing its driver or vehicle. Candidates with a missing
// window bound are not checked.
func (e *Engine) Validate(ctx context.Context, candidate domain.Booking) (err error) {
	if candidate.Window.Incomplete() {
		return nil
	}
	if err := candidate.Window.Validate(); err != nil {
		return err
	}
	if err := requireResources(candidate.DriverID, candidate.VehicleID); err != nil {
		return err
	}
	if !candidate.Status.Active() {
		return nil
	}

	ctx, done := e.observe(ctx, "validate", &err,
		attribute.String("booking.id", candidate.ID.String()),
		attribute.String("driver.id", candidate.DriverID.String()),
		attribute.String("vehicle.id", candidate.VehicleID.String()),
	)
	defer done()

	conflicts, err := e.conflicts(ctx, domain.ConflictQuery{
		DriverID:  candidate.DriverID,
		VehicleID: candidate.VehicleID,
		Window:    candidate.Window,
		ExcludeID: candidate.ID,
	})
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}
	for _, c := range conflicts {
		conflictsTotal.WithLabelValues(string(c.Kind)).Inc()
	}
	e.logger.Info("booking conflicts detected",
		zap.String("booking_id", candidate.ID.String()),
		zap.String("window", candidate.Window.String()),
		zap.Int("conflicts", len(conflicts)),
	)
	return &domain.ConflictError{Conflicts: conflicts}
}

// HasOverlap reports whether any active booking for the driver or vehicle
// overlaps window. excludeID may be uuid.Nil.
func (e *Engine) HasOverlap(ctx context.Context, driverID, vehicleID uuid.UUID, window domain.Window, excludeID uuid.UUID) (found bool, err error) {
	if err := requireResources(driverID, vehicleID); err != nil {
		return false, err
	}
	if err := window.Validate(); err != nil {
		return false, err
	}
	ctx, done := e.observe(ctx, "has_overlap", &err)
	defer done()

	found, err = e.store.ExistsConflicting(ctx, domain.ConflictQuery{
		DriverID:  driverID,
		VehicleID: vehicleID,
		Window:    window,
		ExcludeID: excludeID,
	})
	if err != nil {
		return false, fmt.Errorf("exists conflicting: %w", err)
	}
	return found, nil
}

// Conflicts lists every active booking colliding with window for the driver or vehicle.
func (e *Engine) Conflicts(ctx context.Context, driverID, vehicleID uuid.UUID, window domain.Window, excludeID uuid.UUID) (_ []domain.Conflict, err error) {
	if err := requireResources(driverID, vehicleID); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	ctx, done := e.observe(ctx, "conflicts", &err)
	defer done()

	return e.conflicts(ctx, domain.ConflictQuery{
		DriverID:  driverID,
		VehicleID: vehicleID,
		Window:    window,
		ExcludeID: excludeID,
	})
}

// FreeSlots returns the ordered, disjoint gaps inside rng where neither the
// driver nor the vehicle has an active booking.
func (e *Engine) FreeSlots(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) (_ []FreeSlot, err error) {
	if err := requireResources(driverID, vehicleID); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	ctx, done := e.observe(ctx, "free_slots", &err)
	defer done()

	return e.freeSlots(ctx, driverID, vehicleID, rng)
}

// SuggestAlternatives proposes up to maxSuggestions windows with the requested
// duration, earliest first, searching a widened window around the request.
func (e *Engine) SuggestAlternatives(ctx context.Context, driverID, vehicleID uuid.UUID, requested domain.Window, maxSuggestions int) (_ []Suggestion, err error) {
	if err := requireResources(driverID, vehicleID); err != nil {
		return nil, err
	}
	if err := requested.Validate(); err != nil {
		return nil, err
	}
	if maxSuggestions <= 0 {
		return nil, fmt.Errorf("%w: max suggestions must be positive", domain.ErrInvalidArgument)
	}
	ctx, done := e.observe(ctx, "suggest", &err)
	defer done()

	duration := requested.Duration()
	slots, err := e.freeSlots(ctx, driverID, vehicleID, requested.Widen(e.cfg.SuggestionWindow))
	if err != nil {
		return nil, err
	}
	suggestions := make([]Suggestion, 0, min(maxSuggestions, len(slots)))
	for _, slot := range slots {
		if len(suggestions) == maxSuggestions {
			break
		}
		if slot.Duration() < duration {
			continue
		}
		suggestions = append(suggestions, suggestionFrom(slot, duration))
	}
	return suggestions, nil
}

// NextAvailableSlot returns the earliest window of durationMinutes starting at
// or after from, or nil when nothing fits within the configured horizon.
func (e *Engine) NextAvailableSlot(ctx context.Context, driverID, vehicleID uuid.UUID, from time.Time, durationMinutes int) (_ *Suggestion, err error) {
	if err := requireResources(driverID, vehicleID); err != nil {
		return nil, err
	}
	if from.IsZero() {
		return nil, fmt.Errorf("%w: from is required", domain.ErrInvalidWindow)
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", domain.ErrInvalidArgument)
	}
	// a duration longer than the horizon can never fit; checked in minutes so
	// the conversion below cannot overflow
	if int64(durationMinutes) > int64(e.cfg.NextSlotHorizon/time.Minute) {
		return nil, nil
	}
	ctx, done := e.observe(ctx, "next_slot", &err)
	defer done()

	duration := time.Duration(durationMinutes) * time.Minute
	slots, err := e.freeSlots(ctx, driverID, vehicleID, domain.Window{Start: from, End: from.Add(e.cfg.NextSlotHorizon)})
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		if slot.Duration() >= duration {
			s := suggestionFrom(slot, duration)
			return &s, nil
		}
	}
	return nil, nil
}

func (e *Engine) freeSlots(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]FreeSlot, error) {
	busy, err := e.store.FindInRange(ctx, driverID, vehicleID, rng)
	if err != nil {
		return nil, fmt.Errorf("find in range: %w", err)
	}
	return sweep(rng, busy), nil
}

func (e *Engine) conflicts(ctx context.Context, q domain.ConflictQuery) ([]domain.Conflict, error) {
	found, err := e.store.FindConflicting(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find conflicting: %w", err)
	}
	conflicts := make([]domain.Conflict, 0, len(found))
	for _, b := range found {
		conflicts = append(conflicts, domain.Conflict{
			BookingID: b.ID,
			Number:    b.Number,
			Kind:      domain.KindBetween(b, q.DriverID, q.VehicleID),
			Window:    b.Window,
		})
	}
	return conflicts, nil
}

func (e *Engine) observe(ctx context.Context, op string, errp *error, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := e.tracer.Start(ctx, "overlap."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func() {
		result := "ok"
		switch {
		case *errp == nil:
		case domain.IsConflict(*errp):
			result = "conflict"
		default:
			result = "error"
			span.RecordError(*errp)
		}
		checksTotal.WithLabelValues(op, result).Inc()
		checkDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func requireResources(driverID, vehicleID uuid.UUID) error {
	if driverID == uuid.Nil || vehicleID == uuid.Nil {
		return fmt.Errorf("%w: driver and vehicle are required", domain.ErrInvalidArgument)
	}
	return nil
}
