package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/example/fleetslot/internal/booking/domain"
)

const (
	BookingsCollection = "bookings"
	EventsCollection   = "booking_events"
)

type bookingDocument struct {
	ID            string     `bson:"_id"`
	Number        string     `bson:"number"`
	DriverID      string     `bson:"driver_id"`
	VehicleID     string     `bson:"vehicle_id"`
	Origin        string     `bson:"origin"`
	Destination   string     `bson:"destination"`
	ScheduleStart time.Time  `bson:"schedule_start"`
	ScheduleEnd   time.Time  `bson:"schedule_end"`
	ActualStart   *time.Time `bson:"actual_start,omitempty"`
	ActualEnd     *time.Time `bson:"actual_end,omitempty"`
	Status        string     `bson:"status"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	Version       int64      `bson:"version"`
}

type eventDocument struct {
	BookingID string         `bson:"booking_id"`
	Type      string         `bson:"type"`
	Payload   map[string]any `bson:"payload,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
}

// MongoRepository stores bookings in MongoDB. Times are truncated to
// millisecond precision by BSON.
type MongoRepository struct {
	client   *mongo.Client
	bookings *mongo.Collection
	events   *mongo.Collection
	logger   *zap.Logger
}

func NewMongoRepository(db *mongo.Database, logger *zap.Logger) *MongoRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoRepository{
		client:   db.Client(),
		bookings: db.Collection(BookingsCollection),
		events:   db.Collection(EventsCollection),
		logger:   logger,
	}
}

// EnsureIndexes creates the per-resource window indexes used by conflict
// queries. They are unique over active bookings, so identical windows for one
// driver or vehicle are rejected even when two writers race. Partial filters
// with $in need MongoDB 6.0 or later.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	active := bson.M{"status": bson.M{"$in": bson.A{
		string(domain.StatusScheduled), string(domain.StatusInProgress), string(domain.StatusCompleted),
	}}}
	windowIndex := func(field, name string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}, {Key: "schedule_start", Value: 1}, {Key: "schedule_end", Value: 1}},
			Options: options.Index().SetName(name).SetUnique(true).SetPartialFilterExpression(active),
		}
	}
	_, err := r.bookings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		windowIndex("driver_id", driverWindowKey),
		windowIndex("vehicle_id", vehicleWindowKey),
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return domain.NewPersistenceError("ensure indexes", err)
	}
	return nil
}

func (r *MongoRepository) FindConflicting(ctx context.Context, q domain.ConflictQuery) ([]domain.Booking, error) {
	return r.find(ctx, "find conflicting", bsonConflictFilter(q))
}

func (r *MongoRepository) ExistsConflicting(ctx context.Context, q domain.ConflictQuery) (bool, error) {
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	err := r.bookings.FindOne(ctx, bsonConflictFilter(q), opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewPersistenceError("exists conflicting", err)
	}
	return true, nil
}

func (r *MongoRepository) FindInRange(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]domain.Booking, error) {
	return r.find(ctx, "find in range", bsonConflictFilter(domain.ConflictQuery{DriverID: driverID, VehicleID: vehicleID, Window: rng}))
}

func (r *MongoRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var doc bookingDocument
	err := r.bookings.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, domain.NewPersistenceError("get booking", err)
	}
	return doc.toDomain()
}

// Save upserts the booking and returns the stored document.
func (r *MongoRepository) Save(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = b.UpdatedAt
	}
	doc := toDocument(b)
	update := bson.M{
		"$set": bson.M{
			"number":         doc.Number,
			"driver_id":      doc.DriverID,
			"vehicle_id":     doc.VehicleID,
			"origin":         doc.Origin,
			"destination":    doc.Destination,
			"schedule_start": doc.ScheduleStart,
			"schedule_end":   doc.ScheduleEnd,
			"actual_start":   doc.ActualStart,
			"actual_end":     doc.ActualEnd,
			"status":         doc.Status,
			"updated_at":     doc.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
		"$inc":         bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored bookingDocument
	if err := r.bookings.FindOneAndUpdate(ctx, bson.M{"_id": doc.ID}, update, opts).Decode(&stored); err != nil {
		if conflict := duplicateWindow(err, b); conflict != nil {
			return domain.Booking{}, conflict
		}
		return domain.Booking{}, domain.NewPersistenceError("save booking", err)
	}
	return stored.toDomain()
}

func (r *MongoRepository) AppendEvent(ctx context.Context, event domain.BookingEvent) error {
	_, err := r.events.InsertOne(ctx, eventDocument{
		BookingID: event.BookingID.String(),
		Type:      string(event.Type),
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return domain.NewPersistenceError("append event", err)
	}
	return nil
}

// WithinTx runs fn inside a multi-document transaction. Calls made with a
// session context join the running transaction.
func (r *MongoRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo domain.Repository) error) error {
	if _, ok := ctx.(mongo.SessionContext); ok {
		return fn(ctx, r)
	}
	session, err := r.client.StartSession()
	if err != nil {
		return domain.NewPersistenceError("start session", err)
	}
	defer session.EndSession(ctx)

	var fnErr error
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		fnErr = fn(sessCtx, r)
		return nil, fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return domain.NewPersistenceError("transaction", err)
	}
	return nil
}

func (r *MongoRepository) find(ctx context.Context, op string, filter bson.M) ([]domain.Booking, error) {
	opts := options.Find().SetSort(bson.D{{Key: "schedule_start", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.bookings.Find(ctx, filter, opts)
	if err != nil {
		return nil, domain.NewPersistenceError(op, err)
	}
	defer cursor.Close(ctx)

	var docs []bookingDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, domain.NewPersistenceError(op, err)
	}
	bookings := make([]domain.Booking, 0, len(docs))
	for _, doc := range docs {
		b, err := doc.toDomain()
		if err != nil {
			return nil, domain.NewPersistenceError(op, err)
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

// duplicateWindow maps a duplicate-key error on one of the window indexes to a
// conflict, mirroring the Postgres backstop.
func duplicateWindow(err error, b domain.Booking) error {
	if !mongo.IsDuplicateKeyError(err) {
		return nil
	}
	var kind domain.ConflictKind
	switch msg := err.Error(); {
	case strings.Contains(msg, driverWindowKey):
		kind = domain.ConflictDriver
	case strings.Contains(msg, vehicleWindowKey):
		kind = domain.ConflictVehicle
	default:
		return nil
	}
	return &domain.ConflictError{Conflicts: []domain.Conflict{{Kind: kind, Window: b.Window}}}
}

func bsonConflictFilter(q domain.ConflictQuery) bson.M {
	return bson.M{
		"_id":    bson.M{"$ne": q.ExcludeID.String()},
		"status": bson.M{"$ne": string(domain.StatusCancelled)},
		"$or": bson.A{
			bson.M{"driver_id": q.DriverID.String()},
			bson.M{"vehicle_id": q.VehicleID.String()},
		},
		"schedule_start": bson.M{"$lt": q.Window.End},
		"schedule_end":   bson.M{"$gt": q.Window.Start},
	}
}

func toDocument(b domain.Booking) bookingDocument {
	return bookingDocument{
		ID:            b.ID.String(),
		Number:        b.Number,
		DriverID:      b.DriverID.String(),
		VehicleID:     b.VehicleID.String(),
		Origin:        b.Origin,
		Destination:   b.Destination,
		ScheduleStart: b.Window.Start,
		ScheduleEnd:   b.Window.End,
		ActualStart:   b.ActualStart,
		ActualEnd:     b.ActualEnd,
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
		Version:       b.Version,
	}
}

func (d bookingDocument) toDomain() (domain.Booking, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("booking id %q: %w", d.ID, err)
	}
	driverID, err := uuid.Parse(d.DriverID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("driver id %q: %w", d.DriverID, err)
	}
	vehicleID, err := uuid.Parse(d.VehicleID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("vehicle id %q: %w", d.VehicleID, err)
	}
	return domain.Booking{
		ID:          id,
		Number:      d.Number,
		DriverID:    driverID,
		VehicleID:   vehicleID,
		Origin:      d.Origin,
		Destination: d.Destination,
		Window:      domain.Window{Start: d.ScheduleStart.UTC(), End: d.ScheduleEnd.UTC()},
		ActualStart: d.ActualStart,
		ActualEnd:   d.ActualEnd,
		Status:      domain.BookingStatus(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		Version:     d.Version,
	}, nil
}
