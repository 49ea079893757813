// Package poolrpc serves a pool.Pool to other processes over gRPC and
// provides the matching client, which satisfies bridge.Allocator.
//
// Every message travels as a google.protobuf.Struct on the default proto
// codec, so no generated code is involved. The service name is
// simbridge.PoolManager.
package poolrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "simbridge.PoolManager"

// DefaultKeepAliveInterval is how often clients ping the manager
const DefaultKeepAliveInterval = 5 * time.Second

// missedKeepAlives is how many intervals an owner may stay silent
const missedKeepAlives = 3

// errorCodeKey carries the simerr code in the response trailer
const errorCodeKey = "simbridge-error-code"

// wireMessage converts a request or response to and from its Struct form.
// Unknown or mistyped fields decode to zero values.
type wireMessage interface {
	toStruct() (*structpb.Struct, error)
	fromStruct(*structpb.Struct)
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func stringField(s *structpb.Struct, key string) string {
	return field(s, key).GetStringValue()
}

func intField(s *structpb.Struct, key string) int64 {
	return int64(field(s, key).GetNumberValue())
}

func boolField(s *structpb.Struct, key string) bool {
	return field(s, key).GetBoolValue()
}

// AcquireRequest asks for an instance locked to Owner
type AcquireRequest struct {
	Owner string
}

func (r *AcquireRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"owner": r.Owner})
}

func (r *AcquireRequest) fromStruct(s *structpb.Struct) {
	r.Owner = stringField(s, "owner")
}

// AcquireResponse describes a ready instance
type AcquireResponse struct {
	InstanceID string
	Host       string
	Port       int
	Seed       int64
}

func (r *AcquireResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"instance_id": r.InstanceID,
		"host":        r.Host,
		"port":        r.Port,
		"seed":        r.Seed,
	})
}

func (r *AcquireResponse) fromStruct(s *structpb.Struct) {
	r.InstanceID = stringField(s, "instance_id")
	r.Host = stringField(s, "host")
	r.Port = int(intField(s, "port"))
	r.Seed = intField(s, "seed")
}

// ReleaseRequest hands an instance back. Destroy stops the engine instead
// of returning it to the idle set.
type ReleaseRequest struct {
	Owner      string
	InstanceID string
	Destroy    bool
}

func (r *ReleaseRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"owner":       r.Owner,
		"instance_id": r.InstanceID,
		"destroy":     r.Destroy,
	})
}

func (r *ReleaseRequest) fromStruct(s *structpb.Struct) {
	r.Owner = stringField(s, "owner")
	r.InstanceID = stringField(s, "instance_id")
	r.Destroy = boolField(s, "destroy")
}

// ReleaseResponse is empty
type ReleaseResponse struct{}

func (*ReleaseResponse) toStruct() (*structpb.Struct, error) { return &structpb.Struct{}, nil }
func (*ReleaseResponse) fromStruct(*structpb.Struct)         {}

// KeepAliveRequest marks Owner as alive
type KeepAliveRequest struct {
	Owner string
}

func (r *KeepAliveRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"owner": r.Owner})
}

func (r *KeepAliveRequest) fromStruct(s *structpb.Struct) {
	r.Owner = stringField(s, "owner")
}

// KeepAliveResponse tells the client how often to ping
type KeepAliveResponse struct {
	IntervalMs int64
}

func (r *KeepAliveResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"interval_ms": r.IntervalMs})
}

func (r *KeepAliveResponse) fromStruct(s *structpb.Struct) {
	r.IntervalMs = intField(s, "interval_ms")
}

// ListRequest is empty
type ListRequest struct{}

func (*ListRequest) toStruct() (*structpb.Struct, error) { return &structpb.Struct{}, nil }
func (*ListRequest) fromStruct(*structpb.Struct)         {}

// InstanceInfo is one row of List
type InstanceInfo struct {
	ID        string
	Host      string
	Port      int
	DebugPort int
	State     string
	Owner     string
	Existing  bool
	PID       int
}

// ListResponse lists the manager's instances
type ListResponse struct {
	Instances []InstanceInfo
}

func (r *ListResponse) toStruct() (*structpb.Struct, error) {
	rows := make([]any, 0, len(r.Instances))
	for _, info := range r.Instances {
		rows = append(rows, map[string]any{
			"id":         info.ID,
			"host":       info.Host,
			"port":       info.Port,
			"debug_port": info.DebugPort,
			"state":      info.State,
			"owner":      info.Owner,
			"existing":   info.Existing,
			"pid":        info.PID,
		})
	}
	return structpb.NewStruct(map[string]any{"instances": rows})
}

func (r *ListResponse) fromStruct(s *structpb.Struct) {
	r.Instances = nil
	for _, v := range field(s, "instances").GetListValue().GetValues() {
		row := v.GetStructValue()
		r.Instances = append(r.Instances, InstanceInfo{
			ID:        stringField(row, "id"),
			Host:      stringField(row, "host"),
			Port:      int(intField(row, "port")),
			DebugPort: int(intField(row, "debug_port")),
			State:     stringField(row, "state"),
			Owner:     stringField(row, "owner"),
			Existing:  boolField(row, "existing"),
			PID:       int(intField(row, "pid")),
		})
	}
}

// PoolManagerServer is the server API
type PoolManagerServer interface {
	Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	KeepAlive(context.Context, *KeepAliveRequest) (*KeepAliveResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds the method descriptor for one RPC. Interceptors see the
// Struct on the wire; conversion to the typed request happens inside the
// handler.
func unary[Req, Resp any, PReq interface {
	*Req
	wireMessage
}, PResp interface {
	*Resp
	wireMessage
}](name string, call func(PoolManagerServer, context.Context, PReq) (PResp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				msg := PReq(new(Req))
				msg.fromStruct(req.(*structpb.Struct))
				resp, err := call(srv.(PoolManagerServer), ctx, msg)
				if err != nil {
					return nil, err
				}
				return resp.toStruct()
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes simbridge.PoolManager
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoolManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Acquire", PoolManagerServer.Acquire),
		unary("Release", PoolManagerServer.Release),
		unary("KeepAlive", PoolManagerServer.KeepAlive),
		unary("List", PoolManagerServer.List),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "simbridge/pool",
}

// RegisterPoolManagerServer registers srv on s
func RegisterPoolManagerServer(s grpc.ServiceRegistrar, srv PoolManagerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
