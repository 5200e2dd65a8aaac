package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified heartbeat service name.
const ServiceName = "fleet.v1.HeartbeatService"

const (
	heartbeatMethod        = "/" + ServiceName + "/Heartbeat"
	streamHeartbeatsMethod = "/" + ServiceName + "/StreamHeartbeats"
)

// HeartbeatRequest is one node report on the wire.
type HeartbeatRequest struct {
	NodeID        string    `json:"node_id"`
	ReportedJobID string    `json:"reported_job_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HeartbeatResponse reports what the control plane did with a heartbeat.
type HeartbeatResponse struct {
	Action string `json:"action"`
}

// StreamSummary is returned when a client closes a heartbeat stream.
type StreamSummary struct {
	Received int64            `json:"received"`
	Rejected int64            `json:"rejected"`
	Actions  map[string]int64 `json:"actions,omitempty"`
}

// HeartbeatServiceServer is the server API for the heartbeat service.
type HeartbeatServiceServer interface {
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	StreamHeartbeats(HeartbeatService_StreamHeartbeatsServer) error
}

// HeartbeatService_StreamHeartbeatsServer is the server side of a heartbeat stream.
type HeartbeatService_StreamHeartbeatsServer interface {
	SendAndClose(*StreamSummary) error
	Recv() (*HeartbeatRequest, error)
	grpc.ServerStream
}

type streamHeartbeatsServer struct {
	grpc.ServerStream
}

func (x *streamHeartbeatsServer) SendAndClose(m *StreamSummary) error {
	return x.ServerStream.SendMsg(m)
}

func (x *streamHeartbeatsServer) Recv() (*HeartbeatRequest, error) {
	m := new(HeartbeatRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HeartbeatServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: heartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HeartbeatServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHeartbeatsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HeartbeatServiceServer).StreamHeartbeats(&streamHeartbeatsServer{stream})
}

// HeartbeatServiceDesc describes the heartbeat service for registration.
var HeartbeatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HeartbeatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamHeartbeats", Handler: streamHeartbeatsHandler, ClientStreams: true},
	},
	Metadata: "fleet/v1/heartbeat",
}

// RegisterHeartbeatServiceServer registers srv on s.
func RegisterHeartbeatServiceServer(s grpc.ServiceRegistrar, srv HeartbeatServiceServer) {
	s.RegisterService(&HeartbeatServiceDesc, srv)
}

// HeartbeatServiceClient is the client API for the heartbeat service. Calls use the JSON codec.
type HeartbeatServiceClient interface {
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	StreamHeartbeats(ctx context.Context, opts ...grpc.CallOption) (HeartbeatService_StreamHeartbeatsClient, error)
}

// HeartbeatService_StreamHeartbeatsClient is the client side of a heartbeat stream.
type HeartbeatService_StreamHeartbeatsClient interface {
	Send(*HeartbeatRequest) error
	CloseAndRecv() (*StreamSummary, error)
	grpc.ClientStream
}

type heartbeatServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewHeartbeatServiceClient returns a client over cc.
func NewHeartbeatServiceClient(cc grpc.ClientConnInterface) HeartbeatServiceClient {
	return &heartbeatServiceClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *heartbeatServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, heartbeatMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *heartbeatServiceClient) StreamHeartbeats(ctx context.Context, opts ...grpc.CallOption) (HeartbeatService_StreamHeartbeatsClient, error) {
	stream, err := c.cc.NewStream(ctx, &HeartbeatServiceDesc.Streams[0], streamHeartbeatsMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &streamHeartbeatsClient{stream}, nil
}

type streamHeartbeatsClient struct {
	grpc.ClientStream
}

func (x *streamHeartbeatsClient) Send(m *HeartbeatRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *streamHeartbeatsClient) CloseAndRecv() (*StreamSummary, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(StreamSummary)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
