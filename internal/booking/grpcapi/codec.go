package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the plain Go message structs as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

var _ encoding.Codec = jsonCodec{}

// ServerOption forces the JSON codec on a grpc.Server.
func ServerOption() grpc.ServerOption { return grpc.ForceServerCodec(jsonCodec{}) }

// DialOption forces the JSON codec on every call of a client connection.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}))
}
