package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/overlap"
)

const serviceName = "fleetslot.availability.v1.Availability"

const (
	freeSlotsMethod  = "/" + serviceName + "/FreeSlots"
	hasOverlapMethod = "/" + serviceName + "/HasOverlap"
	suggestMethod    = "/" + serviceName + "/SuggestAlternatives"
	nextSlotMethod   = "/" + serviceName + "/NextAvailableSlot"
)

type FreeSlotsRequest struct {
	DriverId  string    `json:"driver_id"`
	VehicleId string    `json:"vehicle_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

type FreeSlotsResponse struct {
	Slots []overlap.FreeSlot `json:"slots"`
}

type HasOverlapRequest struct {
	DriverId  string    `json:"driver_id"`
	VehicleId string    `json:"vehicle_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	ExcludeId string    `json:"exclude_id,omitempty"`
}

type HasOverlapResponse struct {
	Overlap   bool              `json:"overlap"`
	Conflicts []domain.Conflict `json:"conflicts"`
}

type SuggestAlternativesRequest struct {
	DriverId       string    `json:"driver_id"`
	VehicleId      string    `json:"vehicle_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	MaxSuggestions int32     `json:"max_suggestions"`
}

type SuggestAlternativesResponse struct {
	Suggestions []overlap.Suggestion `json:"suggestions"`
}

type NextAvailableSlotRequest struct {
	DriverId        string    `json:"driver_id"`
	VehicleId       string    `json:"vehicle_id"`
	From            time.Time `json:"from"`
	DurationMinutes int32     `json:"duration_minutes"`
}

type NextAvailableSlotResponse struct {
	Found bool                `json:"found"`
	Slot  *overlap.Suggestion `json:"slot,omitempty"`
}

// AvailabilityServer defines the gRPC contract.
type AvailabilityServer interface {
	FreeSlots(context.Context, *FreeSlotsRequest) (*FreeSlotsResponse, error)
	HasOverlap(context.Context, *HasOverlapRequest) (*HasOverlapResponse, error)
	SuggestAlternatives(context.Context, *SuggestAlternativesRequest) (*SuggestAlternativesResponse, error)
	NextAvailableSlot(context.Context, *NextAvailableSlotRequest) (*NextAvailableSlotResponse, error)
}

// RegisterAvailabilityServer registers the service implementation.
func RegisterAvailabilityServer(s grpc.ServiceRegistrar, srv AvailabilityServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*AvailabilityServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "FreeSlots", Handler: _Availability_FreeSlots_Handler},
			{MethodName: "HasOverlap", Handler: _Availability_HasOverlap_Handler},
			{MethodName: "SuggestAlternatives", Handler: _Availability_SuggestAlternatives_Handler},
			{MethodName: "NextAvailableSlot", Handler: _Availability_NextAvailableSlot_Handler},
		},
		Metadata: "fleetslot/availability/v1",
	}, srv)
}

func _Availability_FreeSlots_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FreeSlotsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AvailabilityServer).FreeSlots(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: freeSlotsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AvailabilityServer).FreeSlots(ctx, req.(*FreeSlotsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Availability_HasOverlap_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HasOverlapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AvailabilityServer).HasOverlap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hasOverlapMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AvailabilityServer).HasOverlap(ctx, req.(*HasOverlapRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Availability_SuggestAlternatives_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SuggestAlternativesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AvailabilityServer).SuggestAlternatives(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: suggestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AvailabilityServer).SuggestAlternatives(ctx, req.(*SuggestAlternativesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Availability_NextAvailableSlot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NextAvailableSlotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AvailabilityServer).NextAvailableSlot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: nextSlotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AvailabilityServer).NextAvailableSlot(ctx, req.(*NextAvailableSlotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// AvailabilityClient calls the availability service.
type AvailabilityClient struct {
	cc grpc.ClientConnInterface
}

func NewAvailabilityClient(cc grpc.ClientConnInterface) *AvailabilityClient {
	return &AvailabilityClient{cc: cc}
}

func (c *AvailabilityClient) FreeSlots(ctx context.Context, in *FreeSlotsRequest, opts ...grpc.CallOption) (*FreeSlotsResponse, error) {
	out := new(FreeSlotsResponse)
	if err := c.cc.Invoke(ctx, freeSlotsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AvailabilityClient) HasOverlap(ctx context.Context, in *HasOverlapRequest, opts ...grpc.CallOption) (*HasOverlapResponse, error) {
	out := new(HasOverlapResponse)
	if err := c.cc.Invoke(ctx, hasOverlapMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AvailabilityClient) SuggestAlternatives(ctx context.Context, in *SuggestAlternativesRequest, opts ...grpc.CallOption) (*SuggestAlternativesResponse, error) {
	out := new(SuggestAlternativesResponse)
	if err := c.cc.Invoke(ctx, suggestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AvailabilityClient) NextAvailableSlot(ctx context.Context, in *NextAvailableSlotRequest, opts ...grpc.CallOption) (*NextAvailableSlotResponse, error) {
	out := new(NextAvailableSlotResponse)
	if err := c.cc.Invoke(ctx, nextSlotMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
