package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service name, also used for health checks.
const ServiceName = "drivepipe.visualiser.v1.SnapshotStream"

const watchMethod = "/" + ServiceName + "/Watch"

// SnapshotStreamServer is the server side of the stream service.
type SnapshotStreamServer interface {
	Watch(req *emptypb.Empty, stream grpc.ServerStream) error
}

var _ SnapshotStreamServer = (*Publisher)(nil)

var watchStream = grpc.StreamDesc{
	StreamName:    "Watch",
	ServerStreams: true,
	Handler: func(srv interface{}, stream grpc.ServerStream) error {
		req := new(emptypb.Empty)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return srv.(SnapshotStreamServer).Watch(req, stream)
	},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotStreamServer)(nil),
	Streams:     []grpc.StreamDesc{watchStream},
	Metadata:    "drivepipe/visualiser.proto",
}

// Watch streams summaries to one client until it disconnects or the
// publisher stops.
func (p *Publisher) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	c := p.addClient()
	defer p.removeClient(c)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Subscription is the client side of Watch.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a Watch stream on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface) (*Subscription, error) {
	stream, err := conn.NewStream(ctx, &watchStream, watchMethod)
	if err != nil {
		return nil, fmt.Errorf("open watch stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv returns the next summary; io.EOF once the server ends the stream.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
