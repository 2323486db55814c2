package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/lock"
	"github.com/example/fleetslot/internal/booking/overlap"
)

const DefaultMaxSuggestions = 5

// Service coordinates booking writes and availability queries between the
// transports and the store.
type Service struct {
	repo           domain.Repository
	engine         *overlap.Engine
	locks          *lock.Coordinator
	events         domain.EventPublisher
	clock          domain.Clock
	idempotent     domain.IdempotencyRepository
	logger         *zap.Logger
	tracer         trace.Tracer
	maxSuggestions int
}

type Option func(*Service)

// WithPublisher publishes events after commit. Leave unset when the store
// relays events through its outbox.
func WithPublisher(p domain.EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

func WithIdempotency(r domain.IdempotencyRepository) Option {
	return func(s *Service) { s.idempotent = r }
}

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMaxSuggestions(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSuggestions = n
		}
	}
}

// New constructs a Service. locks may be nil, in which case only the store
// transaction guards check-then-act.
func New(repo domain.Repository, engine *overlap.Engine, locks *lock.Coordinator, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		engine:         engine,
		locks:          locks,
		clock:          domain.SystemClock{},
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("booking.service"),
		maxSuggestions: DefaultMaxSuggestions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBookingRequest carries the fields of a new booking.
type CreateBookingRequest struct {
	Number      string
	DriverID    uuid.UUID
	VehicleID   uuid.UUID
	Start       time.Time
	End         time.Time
	Origin      string
	Destination string
}

// UpdateBookingRequest changes any subset of a booking's schedule and resources.
type UpdateBookingRequest struct {
	Number      *string
	DriverID    *uuid.UUID
	VehicleID   *uuid.UUID
	Start       *time.Time
	End         *time.Time
	Origin      *string
	Destination *string
}

// CreateBooking validates the candidate against active bookings and stores it.
// A repeated key returns the booking created by the first call.
func (s *Service) CreateBooking(ctx context.Context, key string, req CreateBookingRequest) (_ domain.Booking, err error) {
	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var b domain.Booking
			if err := json.Unmarshal(cached, &b); err == nil {
				return b, nil
			}
		}
	}

	ctx, span := s.tracer.Start(ctx, "booking.create")
	defer func() { endSpan(span, err) }()

	now := s.clock.Now()
	candidate := domain.Booking{
		ID:          uuid.New(),
		Number:      req.Number,
		DriverID:    req.DriverID,
		VehicleID:   req.VehicleID,
		Window:      domain.Window{Start: req.Start, End: req.End},
		Status:      domain.StatusScheduled,
		Origin:      req.Origin,
		Destination: req.Destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := checkCandidate(candidate); err != nil {
		return domain.Booking{}, err
	}

	created, err := s.write(ctx, candidate.DriverID, candidate.VehicleID, domain.EventBookingScheduled, func(context.Context, domain.Repository) (domain.Booking, bool, error) {
		return candidate, true, nil
	})
	if err != nil {
		return domain.Booking{}, err
	}

	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(created); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	s.logger.Info("booking scheduled",
		zap.String("booking_id", created.ID.String()),
		zap.String("window", created.Window.String()),
	)
	return created, nil
}

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateBooking reschedules or reassigns a booking. The updated booking is
// revalidated with itself excluded from the conflict search.
func (s *Service) UpdateBooking(ctx context.Context, id uuid.UUID, req UpdateBookingRequest) (_ domain.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.update", trace.WithAttributes(attribute.String("booking.id", id.String())))
	defer func() { endSpan(span, err) }()

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	driverID, vehicleID := current.DriverID, current.VehicleID
	if req.DriverID != nil {
		driverID = *req.DriverID
	}
	if req.VehicleID != nil {
		vehicleID = *req.VehicleID
	}

	return s.write(ctx, driverID, vehicleID, domain.EventBookingRescheduled, func(ctx context.Context, tx domain.Repository) (domain.Booking, bool, error) {
		b, err := tx.GetByID(ctx, id)
		if err != nil {
			return domain.Booking{}, false, err
		}
		if b.Status.Terminal() {
			return domain.Booking{}, false, fmt.Errorf("%w: %s booking cannot be rescheduled", domain.ErrInvalidTransition, b.Status)
		}
		before := b
		applyUpdate(&b, req)
		if err := checkCandidate(b); err != nil {
			return domain.Booking{}, false, err
		}
		b.UpdatedAt = s.clock.Now()
		return b, occupancyChanged(before, b), nil
	})
}

// StartBooking moves a scheduled booking to in_progress and stamps the actual start.
func (s *Service) StartBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, id, domain.StatusInProgress, domain.EventBookingStarted, func(b *domain.Booking, now time.Time) {
		b.ActualStart = &now
	})
}

// CompleteBooking moves an in_progress booking to completed and stamps the actual end.
func (s *Service) CompleteBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, id, domain.StatusCompleted, domain.EventBookingCompleted, func(b *domain.Booking, now time.Time) {
		b.ActualEnd = &now
	})
}

// CancelBooking cancels a booking that has not finished. The booking stays
// stored but no longer blocks its window.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.transition(ctx, id, domain.StatusCancelled, domain.EventBookingCancelled, nil)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, next domain.BookingStatus, eventType domain.BookingEventType, stamp func(*domain.Booking, time.Time)) (_ domain.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.transition", trace.WithAttributes(
		attribute.String("booking.id", id.String()),
		attribute.String("booking.status", string(next)),
	))
	defer func() { endSpan(span, err) }()

	var updated domain.Booking
	var event domain.BookingEvent
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Repository) error {
		b, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !b.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, b.Status, next)
		}
		prev := b.Status
		now := s.clock.Now()
		b.Status = next
		b.UpdatedAt = now
		if stamp != nil {
			stamp(&b, now)
		}
		saved, err := tx.Save(ctx, b)
		if err != nil {
			return err
		}
		event = domain.BookingEvent{
			BookingID: saved.ID,
			Type:      eventType,
			Payload:   map[string]any{"from": string(prev), "to": string(next)},
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		updated = saved
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	s.publish(ctx, event)
	return updated, nil
}

// write runs the locked, transactional check-then-act path. build returns the
// booking to store and whether its occupancy must be revalidated.
func (s *Service) write(ctx context.Context, driverID, vehicleID uuid.UUID, eventType domain.BookingEventType, build func(ctx context.Context, tx domain.Repository) (domain.Booking, bool, error)) (domain.Booking, error) {
	if s.locks != nil && driverID != uuid.Nil && vehicleID != uuid.Nil {
		lease, err := s.locks.Acquire(ctx, driverID, vehicleID)
		if err != nil {
			return domain.Booking{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release resource lock", zap.Error(err))
			}
		}()
	}

	var saved domain.Booking
	var event domain.BookingEvent
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Repository) error {
		b, revalidate, err := build(ctx, tx)
		if err != nil {
			return err
		}
		if revalidate {
			if err := s.engine.WithStore(tx).Validate(ctx, b); err != nil {
				return err
			}
		}
		saved, err = tx.Save(ctx, b)
		if err != nil {
			return err
		}
		event = domain.BookingEvent{
			BookingID: saved.ID,
			Type:      eventType,
			Payload: map[string]any{
				"driver_id":  saved.DriverID.String(),
				"vehicle_id": saved.VehicleID.String(),
				"start":      saved.Window.Start,
				"end":        saved.Window.End,
			},
			CreatedAt: saved.UpdatedAt,
		}
		return tx.AppendEvent(ctx, event)
	})
	if err != nil {
		if domain.IsConflict(err) {
			s.logger.Info("booking rejected", zap.Error(err))
		}
		return domain.Booking{}, err
	}
	s.publish(ctx, event)
	return saved, nil
}

func (s *Service) publish(ctx context.Context, event domain.BookingEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish booking event",
			zap.String("booking_id", event.BookingID.String()),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// HasOverlap reports whether the window collides with an active booking of
// the driver or vehicle.
func (s *Service) HasOverlap(ctx context.Context, driverID, vehicleID uuid.UUID, window domain.Window, excludeID uuid.UUID) (bool, error) {
	return s.engine.HasOverlap(ctx, driverID, vehicleID, window, excludeID)
}

func (s *Service) Conflicts(ctx context.Context, driverID, vehicleID uuid.UUID, window domain.Window, excludeID uuid.UUID) ([]domain.Conflict, error) {
	return s.engine.Conflicts(ctx, driverID, vehicleID, window, excludeID)
}

func (s *Service) FreeSlots(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]overlap.FreeSlot, error) {
	return s.engine.FreeSlots(ctx, driverID, vehicleID, rng)
}

// SuggestAlternatives falls back to the configured maximum when limit is zero.
func (s *Service) SuggestAlternatives(ctx context.Context, driverID, vehicleID uuid.UUID, requested domain.Window, limit int) ([]overlap.Suggestion, error) {
	if limit == 0 {
		limit = s.maxSuggestions
	}
	return s.engine.SuggestAlternatives(ctx, driverID, vehicleID, requested, limit)
}

func (s *Service) NextAvailableSlot(ctx context.Context, driverID, vehicleID uuid.UUID, from time.Time, durationMinutes int) (*overlap.Suggestion, error) {
	return s.engine.NextAvailableSlot(ctx, driverID, vehicleID, from, durationMinutes)
}

// checkCandidate rejects bookings that could never be stored: a missing or
// inverted window, or a missing resource.
func checkCandidate(b domain.Booking) error {
	if err := b.Window.Validate(); err != nil {
		return err
	}
	if b.DriverID == uuid.Nil || b.VehicleID == uuid.Nil {
		return fmt.Errorf("%w: driver and vehicle are required", domain.ErrInvalidArgument)
	}
	return nil
}

func applyUpdate(b *domain.Booking, req UpdateBookingRequest) {
	if req.Number != nil {
		b.Number = *req.Number
	}
	if req.DriverID != nil {
		b.DriverID = *req.DriverID
	}
	if req.VehicleID != nil {
		b.VehicleID = *req.VehicleID
	}
	if req.Start != nil {
		b.Window.Start = *req.Start
	}
	if req.End != nil {
		b.Window.End = *req.End
	}
	if req.Origin != nil {
		b.Origin = *req.Origin
	}
	if req.Destination != nil {
		b.Destination = *req.Destination
	}
}

func occupancyChanged(before, after domain.Booking) bool {
	return before.DriverID != after.DriverID ||
		before.VehicleID != after.VehicleID ||
		!before.Window.Start.Equal(after.Window.Start) ||
		!before.Window.End.Equal(after.Window.End) ||
		before.Status.Active() != after.Status.Active()
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
