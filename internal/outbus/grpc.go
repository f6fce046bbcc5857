package outbus

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

// StreamFramesMethod is the full method name of the frame stream.
const StreamFramesMethod = "/presence.v1.OutputBus/StreamFrames"

// outputBusServer is the handler type of the service. Frames travel as
// google.protobuf.Struct so clients need no generated code.
type outputBusServer interface {
	StreamFrames(*emptypb.Empty, grpc.ServerStream) error
}

var outputBusServiceDesc = grpc.ServiceDesc{
	ServiceName: "presence.v1.OutputBus",
	HandlerType: (*outputBusServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamFrames",
		Handler:       streamFramesHandler,
		ServerStreams: true,
	}},
	Metadata: "presence/v1/output.proto",
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(outputBusServer).StreamFrames(in, stream)
}

// GRPCServer streams bus frames to every connected client. Each client gets
// its own subscription, so one slow client only drops its own frames.
type GRPCServer struct {
	bus    *Bus
	policy string
	buffer int
}

// NewGRPCServer creates a server whose clients subscribe with policy.
func NewGRPCServer(bus *Bus, policy string, buffer int) *GRPCServer {
	return &GRPCServer{bus: bus, policy: policy, buffer: buffer}
}

// Register attaches the service to s.
func (g *GRPCServer) Register(s *grpc.Server) {
	s.RegisterService(&outputBusServiceDesc, g)
}

// StreamFrames implements the server-streaming RPC.
func (g *GRPCServer) StreamFrames(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	name := "grpc"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		name = "grpc " + p.Addr.String()
	}
	sub, err := g.bus.Subscribe(name, g.policy, g.buffer)
	if err != nil {
		return err
	}
	defer g.bus.Unsubscribe(sub)
	monitoring.Logf("[bus] %s connected", name)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[bus] %s disconnected", name)
			return nil
		case frame, ok := <-sub.C():
			if !ok {
				return nil
			}
			msg, err := FrameToStruct(frame)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// FrameToStruct converts a frame to its wire form.
func FrameToStruct(frame failsafe.OutputFrame) (*structpb.Struct, error) {
	values := make(map[string]interface{}, len(frame.Values))
	for k, v := range frame.Values {
		values[k] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"seq":        float64(frame.Seq),
		"timestamp":  frame.Timestamp.UTC().Format(time.RFC3339Nano),
		"provenance": frame.Provenance(),
		"mode":       string(frame.Mode),
		"complexity": frame.Complexity,
		"final":      frame.Final,
		"values":     values,
	})
}

// FrameStream is the client side of StreamFrames.
type FrameStream struct {
	stream grpc.ClientStream
}

// OpenFrameStream starts streaming frames from the server behind cc.
func OpenFrameStream(ctx context.Context, cc grpc.ClientConnInterface) (*FrameStream, error) {
	stream, err := cc.NewStream(ctx, &outputBusServiceDesc.Streams[0], StreamFramesMethod)
	if err != nil {
		return nil, fmt.Errorf("open frame stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next frame.
func (s *FrameStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
