// Package gossip — service.go
//
// Hand-written stand-ins for what protoc-gen-go-grpc would normally emit:
// the wire message types, the service interfaces, and the grpc.ServiceDesc
// wiring a PolicySync server and client together. There is no protobuf
// toolchain in this project, so these are plain Go structs carried by the
// gob codec registered in codec.go, but the RPC plumbing (grpc.ServiceDesc,
// grpc.ClientConn, interceptors) is the real google.golang.org/grpc package.
package gossip

import (
	"context"

	"google.golang.org/grpc"
)

// PolicySyncEnvelope is broadcast by a node to advertise the current state
// of its compiled policy. RuleHashes maps domain ("open", "exec", "connect")
// to a hex-encoded digest of that domain's compiled rule set; a receiver
// that observes a hash mismatch against its own compiled state reloads its
// rule files and logs a warning.
type PolicySyncEnvelope struct {
	NodeID          string
	TimestampUnixNs int64
	RuleHashes      map[string]string
	CgroupSetDigest string
	Signature       []byte
}

// AckResponse is returned by ShareEnvelope.
type AckResponse struct {
	Accepted        bool
	RejectionReason string
}

// HealthRequest is the (empty) HealthCheck request.
type HealthRequest struct{}

// HealthResponse is returned by HealthCheck.
type HealthResponse struct {
	NodeID        string
	Status        string
	UptimeSeconds int64
}

// PolicySyncServer is the service interface implemented by Server.
type PolicySyncServer interface {
	ShareEnvelope(context.Context, *PolicySyncEnvelope) (*AckResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

// PolicySyncClient is the service interface implemented by the hand-written
// client stub below.
type PolicySyncClient interface {
	ShareEnvelope(ctx context.Context, in *PolicySyncEnvelope, opts ...grpc.CallOption) (*AckResponse, error)
	HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

const serviceName = "syscage.gossip.PolicySync"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PolicySyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShareEnvelope", Handler: shareEnvelopeHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/gossip/service.go",
}

func shareEnvelopeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PolicySyncEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicySyncServer).ShareEnvelope(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ShareEnvelope"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PolicySyncServer).ShareEnvelope(ctx, req.(*PolicySyncEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicySyncServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/HealthCheck"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PolicySyncServer).HealthCheck(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterPolicySyncServer registers srv on grpcSrv. It does not select a
// codec; the gob codec is forced by the grpc.ForceServerCodec option the
// server is built with (and grpc.ForceCodec on the client side).
func RegisterPolicySyncServer(grpcSrv *grpc.Server, srv PolicySyncServer) {
	grpcSrv.RegisterService(&serviceDesc, srv)
}

type policySyncClient struct {
	cc *grpc.ClientConn
}

// NewPolicySyncClient wraps an established *grpc.ClientConn.
func NewPolicySyncClient(cc *grpc.ClientConn) PolicySyncClient {
	return &policySyncClient{cc: cc}
}

func (c *policySyncClient) ShareEnvelope(ctx context.Context, in *PolicySyncEnvelope, opts ...grpc.CallOption) (*AckResponse, error) {
	out := new(AckResponse)
	opts = append(opts, grpc.ForceCodec(gobCodec{}))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ShareEnvelope", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *policySyncClient) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	opts = append(opts, grpc.ForceCodec(gobCodec{}))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HealthCheck", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
