package grpcapi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/lock"
	"github.com/example/fleetslot/internal/booking/overlap"
)

// Availability is the query side of the booking service.
type Availability interface {
	Conflicts(ctx context.Context, driverID, vehicleID uuid.UUID, window domain.Window, excludeID uuid.UUID) ([]domain.Conflict, error)
	FreeSlots(ctx context.Context, driverID, vehicleID uuid.UUID, rng domain.Window) ([]overlap.FreeSlot, error)
	SuggestAlternatives(ctx context.Context, driverID, vehicleID uuid.UUID, requested domain.Window, limit int) ([]overlap.Suggestion, error)
	NextAvailableSlot(ctx context.Context, driverID, vehicleID uuid.UUID, from time.Time, durationMinutes int) (*overlap.Suggestion, error)
}

// Server implements AvailabilityServer.
type Server struct {
	svc Availability
}

func NewServer(svc Availability) *Server {
	return &Server{svc: svc}
}

func (s *Server) FreeSlots(ctx context.Context, req *FreeSlotsRequest) (*FreeSlotsResponse, error) {
	driverID, vehicleID, err := resources(req.DriverId, req.VehicleId)
	if err != nil {
		return nil, err
	}
	slots, err := s.svc.FreeSlots(ctx, driverID, vehicleID, domain.Window{Start: req.Start, End: req.End})
	if err != nil {
		return nil, toStatus(err)
	}
	return &FreeSlotsResponse{Slots: slots}, nil
}

func (s *Server) HasOverlap(ctx context.Context, req *HasOverlapRequest) (*HasOverlapResponse, error) {
	driverID, vehicleID, err := resources(req.DriverId, req.VehicleId)
	if err != nil {
		return nil, err
	}
	excludeID := uuid.Nil
	if req.ExcludeId != "" {
		if excludeID, err = uuid.Parse(req.ExcludeId); err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid exclude_id")
		}
	}
	conflicts, err := s.svc.Conflicts(ctx, driverID, vehicleID, domain.Window{Start: req.Start, End: req.End}, excludeID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HasOverlapResponse{Overlap: len(conflicts) > 0, Conflicts: conflicts}, nil
}

func (s *Server) SuggestAlternatives(ctx context.Context, req *SuggestAlternativesRequest) (*SuggestAlternativesResponse, error) {
	driverID, vehicleID, err := resources(req.DriverId, req.VehicleId)
	if err != nil {
		return nil, err
	}
	suggestions, err := s.svc.SuggestAlternatives(ctx, driverID, vehicleID, domain.Window{Start: req.Start, End: req.End}, int(req.MaxSuggestions))
	if err != nil {
		return nil, toStatus(err)
	}
	return &SuggestAlternativesResponse{Suggestions: suggestions}, nil
}

func (s *Server) NextAvailableSlot(ctx context.Context, req *NextAvailableSlotRequest) (*NextAvailableSlotResponse, error) {
	driverID, vehicleID, err := resources(req.DriverId, req.VehicleId)
	if err != nil {
		return nil, err
	}
	slot, err := s.svc.NextAvailableSlot(ctx, driverID, vehicleID, req.From, int(req.DurationMinutes))
	if err != nil {
		return nil, toStatus(err)
	}
	return &NextAvailableSlotResponse{Found: slot != nil, Slot: slot}, nil
}

func resources(driver, vehicle string) (uuid.UUID, uuid.UUID, error) {
	driverID, err := uuid.Parse(driver)
	if err != nil {
		return uuid.Nil, uuid.Nil, status.Error(codes.InvalidArgument, "invalid driver_id")
	}
	vehicleID, err := uuid.Parse(vehicle)
	if err != nil {
		return uuid.Nil, uuid.Nil, status.Error(codes.InvalidArgument, "invalid vehicle_id")
	}
	return driverID, vehicleID, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidWindow), errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsConflict(err), errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, lock.ErrResourceBusy), domain.IsPersistence(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if code == codes.Internal || code == codes.Unavailable {
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
