package telemetry

import (
	"context"

	"google.golang.org/grpc"
)

// DockEvent is reported by a station when a bicycle is inserted into a slot.
type DockEvent struct {
	SlotId    string `json:"slot_id"`
	StationId string `json:"station_id"`
	BicycleId string `json:"bicycle_id"`
	Ts        int64  `json:"ts"`
}

// Ack closes the stream with per-stream counters.
type Ack struct {
	Accepted int32 `json:"accepted"`
	Ignored  int32 `json:"ignored"`
}

// DockServer defines the gRPC contract.
type DockServer interface {
	StreamDocks(Dock_StreamDocksServer) error
}

const serviceName = "telemetry.Dock"

var dockServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DockServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamDocks",
		Handler:       _Dock_StreamDocks_Handler,
		ClientStreams: true,
	}},
}

// RegisterDockServer registers the service implementation.
func RegisterDockServer(s grpc.ServiceRegistrar, srv DockServer) {
	s.RegisterService(&dockServiceDesc, srv)
}

// Dock_StreamDocksServer is the server side of the client stream.
type Dock_StreamDocksServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DockEvent, error)
}

func _Dock_StreamDocks_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DockServer).StreamDocks(&dockStreamServer{ServerStream: stream})
}

type dockStreamServer struct {
	grpc.ServerStream
}

func (s *dockStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *dockStreamServer) Recv() (*DockEvent, error) {
	msg := new(DockEvent)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DockClient opens dock telemetry streams.
type DockClient interface {
	StreamDocks(ctx context.Context, opts ...grpc.CallOption) (Dock_StreamDocksClient, error)
}

// Dock_StreamDocksClient is the client side of the stream.
type Dock_StreamDocksClient interface {
	grpc.ClientStream
	Send(*DockEvent) error
	CloseAndRecv() (*Ack, error)
}

type dockClient struct {
	cc grpc.ClientConnInterface
}

// NewDockClient builds a client. Calls use the JSON codec.
func NewDockClient(cc grpc.ClientConnInterface) DockClient {
	return &dockClient{cc: cc}
}

func (c *dockClient) StreamDocks(ctx context.Context, opts ...grpc.CallOption) (Dock_StreamDocksClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &dockServiceDesc.Streams[0], "/"+serviceName+"/StreamDocks", opts...)
	if err != nil {
		return nil, err
	}
	return &dockStreamClient{ClientStream: stream}, nil
}

type dockStreamClient struct {
	grpc.ClientStream
}

func (c *dockStreamClient) Send(ev *DockEvent) error { return c.ClientStream.SendMsg(ev) }

func (c *dockStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
