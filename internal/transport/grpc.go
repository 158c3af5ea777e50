package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/superfly/fly.rs/internal/wire"
)

// Frames ride a single bidirectional stream. There is no generated service:
// each gRPC message is one marshalled wire.Frame handled by frameCodec.
const (
	grpcService = "fly.Host"
	grpcMethod  = "Connect"
	maxGRPCMsg  = 64 << 20
)

var connectDesc = grpc.StreamDesc{
	StreamName:    grpcMethod,
	ServerStreams: true,
	ClientStreams: true,
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("frame codec: unexpected message type %T", v)
	}
	return *b, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("frame codec: unexpected message type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (frameCodec) Name() string {
	return "fly-frame"
}

// grpcStream is satisfied by both grpc.ClientStream and grpc.ServerStream.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcFramer struct {
	stream grpcStream
	close  func() error
}

func (g *grpcFramer) ReadFrame() (wire.Frame, error) {
	var b []byte
	if err := g.stream.RecvMsg(&b); err != nil {
		return wire.Frame{}, err
	}
	return wire.UnmarshalFrame(b)
}

func (g *grpcFramer) WriteFrame(f wire.Frame) error {
	b := f.Marshal()
	return g.stream.SendMsg(&b)
}

func (g *grpcFramer) Close() error {
	return g.close()
}

// DialGRPC opens the frame stream to a host's gRPC endpoint. The stream lives
// until ctx is cancelled or the connection is closed.
func DialGRPC(ctx context.Context, addr string, logger *zap.Logger) (Conn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxGRPCMsg),
			grpc.MaxCallSendMsgSize(maxGRPCMsg),
		),
	}

	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, &connectDesc, "/"+grpcService+"/"+grpcMethod, grpc.ForceCodec(frameCodec{}))
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open frame stream to %s: %w", addr, err)
	}

	return newMux(&grpcFramer{
		stream: stream,
		close: func() error {
			_ = stream.CloseSend()
			cancel()
			return cc.Close()
		},
	}, logger), nil
}

// RegisterGRPC installs the frame service on srv. accept is called once per
// connecting isolate and must block until it is done with the connection.
// srv must be created with GRPCServerOptions.
func RegisterGRPC(srv *grpc.Server, accept func(Conn), logger *zap.Logger) {
	handler := func(_ any, stream grpc.ServerStream) error {
		// The server stream ends when the handler returns.
		conn := newMux(&grpcFramer{
			stream: stream,
			close:  func() error { return nil },
		}, logger)
		accept(conn)
		_ = conn.Close()
		return nil
	}

	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcService,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    grpcMethod,
			Handler:       handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, struct{}{})
}

// GRPCServerOptions returns the options a frame server needs.
func GRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(maxGRPCMsg),
		grpc.MaxSendMsgSize(maxGRPCMsg),
	}
}
