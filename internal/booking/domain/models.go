package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusScheduled  BookingStatus = "scheduled"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

// ParseStatus maps the wire representation onto the closed status set.
func ParseStatus(s string) (BookingStatus, error) {
	status := BookingStatus(s)
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a booking in this status takes part in conflict checks.
func (s BookingStatus) Active() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted:
		return true
	case StatusCancelled:
		return false
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Staying in the same status is not a transition.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Booking is a trip assigning one driver and one vehicle to a scheduled window.
type Booking struct {
	ID          uuid.UUID     `json:"id"`
	Number      string        `json:"number,omitempty"`
	DriverID    uuid.UUID     `json:"driver_id"`
	VehicleID   uuid.UUID     `json:"vehicle_id"`
	Window      Window        `json:"window"`
	Status      BookingStatus `json:"status"`
	Origin      string        `json:"origin,omitempty"`
	Destination string        `json:"destination,omitempty"`
	ActualStart *time.Time    `json:"actual_start,omitempty"`
	ActualEnd   *time.Time    `json:"actual_end,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Version     int64         `json:"version"`
}

// Persisted reports whether the booking already has an identity.
func (b Booking) Persisted() bool { return b.ID != uuid.Nil }

// Label is the human-facing reference used in conflict messages.
func (b Booking) Label() string {
	if b.Number != "" {
		return b.Number
	}
	return b.ID.String()
}

// ConflictKind names which shared resource(s) caused an overlap.
type ConflictKind string

const (
	ConflictDriver        ConflictKind = "driver"
	ConflictVehicle       ConflictKind = "vehicle"
	ConflictDriverVehicle ConflictKind = "driver+vehicle"
)

// KindBetween classifies the collision of existing against the requested resources.
func KindBetween(existing Booking, driverID, vehicleID uuid.UUID) ConflictKind {
	sameDriver := existing.DriverID == driverID
	sameVehicle := existing.VehicleID == vehicleID
	switch {
	case sameDriver && sameVehicle:
		return ConflictDriverVehicle
	case sameDriver:
		return ConflictDriver
	default:
		return ConflictVehicle
	}
}

// Conflict describes one active booking colliding with a candidate.
type Conflict struct {
	BookingID uuid.UUID    `json:"booking_id"`
	Number    string       `json:"number,omitempty"`
	Kind      ConflictKind `json:"kind"`
	Window    Window       `json:"window"`
}

// ConflictQuery selects active bookings sharing a driver or vehicle inside a window.
type ConflictQuery struct {
	DriverID  uuid.UUID
	VehicleID uuid.UUID
	Window    Window
	ExcludeID uuid.UUID
}

// Matches is the in-memory form of the store's conflict filter.
func (q ConflictQuery) Matches(b Booking) bool {
	if q.ExcludeID != uuid.Nil && b.ID == q.ExcludeID {
		return false
	}
	if !b.Status.Active() {
		return false
	}
	if b.DriverID != q.DriverID && b.VehicleID != q.VehicleID {
		return false
	}
	return b.Window.Overlaps(q.Window)
}

type BookingEventType string

const (
	EventBookingScheduled   BookingEventType = "BookingScheduled"
	EventBookingRescheduled BookingEventType = "BookingRescheduled"
	EventBookingStarted     BookingEventType = "BookingStarted"
	EventBookingCompleted   BookingEventType = "BookingCompleted"
	EventBookingCancelled   BookingEventType = "BookingCancelled"
)

type BookingEvent struct {
	ID        int64            `json:"id"`
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// IntervalStore is the query contract the overlap engine relies on.
type IntervalStore interface {
	FindConflicting(ctx context.Context, q ConflictQuery) ([]Booking, error)
	ExistsConflicting(ctx context.Context, q ConflictQuery) (bool, error)
	FindInRange(ctx context.Context, driverID, vehicleID uuid.UUID, rng Window) ([]Booking, error)
}

// Repository is the full persistence collaborator used by the booking workflow.
type Repository interface {
	IntervalStore
	GetByID(ctx context.Context, id uuid.UUID) (Booking, error)
	Save(ctx context.Context, booking Booking) (Booking, error)
	AppendEvent(ctx context.Context, event BookingEvent) error
	// WithinTx runs fn so that its reads and writes are isolated from other
	// concurrent WithinTx calls touching the same rows.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
