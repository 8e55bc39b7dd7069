// Package proto defines the signalwatch.v1.Watcher gRPC service. Requests and
// responses are google.protobuf.Struct documents so no generated message types
// are needed.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "signalwatch.v1.Watcher"

// Full method names
const (
	Watcher_ListSymbols_FullMethodName   = "/" + ServiceName + "/ListSymbols"
	Watcher_GetPrice_FullMethodName      = "/" + ServiceName + "/GetPrice"
	Watcher_GetCoin_FullMethodName       = "/" + ServiceName + "/GetCoin"
	Watcher_Evaluate_FullMethodName      = "/" + ServiceName + "/Evaluate"
	Watcher_GetEvaluation_FullMethodName = "/" + ServiceName + "/GetEvaluation"
	Watcher_WatchPrices_FullMethodName   = "/" + ServiceName + "/WatchPrices"
)

// WatcherServer is the server API for the Watcher service
type WatcherServer interface {
	ListSymbols(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPrice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCoin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEvaluation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchPrices(*structpb.Struct, Watcher_WatchPricesServer) error
}

// Watcher_WatchPricesServer is the server side of the WatchPrices stream
type Watcher_WatchPricesServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watcherWatchPricesServer struct {
	grpc.ServerStream
}

func (x *watcherWatchPricesServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterWatcherServer registers srv with s
func RegisterWatcherServer(s grpc.ServiceRegistrar, srv WatcherServer) {
	s.RegisterService(&Watcher_ServiceDesc, srv)
}

func unaryHandler(method string, call func(WatcherServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WatcherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WatcherServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchPricesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WatcherServer).WatchPrices(in, &watcherWatchPricesServer{stream})
}

// Watcher_ServiceDesc is the grpc.ServiceDesc for the Watcher service
var Watcher_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSymbols", Handler: unaryHandler(Watcher_ListSymbols_FullMethodName, WatcherServer.ListSymbols)},
		{MethodName: "GetPrice", Handler: unaryHandler(Watcher_GetPrice_FullMethodName, WatcherServer.GetPrice)},
		{MethodName: "GetCoin", Handler: unaryHandler(Watcher_GetCoin_FullMethodName, WatcherServer.GetCoin)},
		{MethodName: "Evaluate", Handler: unaryHandler(Watcher_Evaluate_FullMethodName, WatcherServer.Evaluate)},
		{MethodName: "GetEvaluation", Handler: unaryHandler(Watcher_GetEvaluation_FullMethodName, WatcherServer.GetEvaluation)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchPrices",
			Handler:       watchPricesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "signalwatch/v1/watcher.proto",
}

// WatcherClient is the client API for the Watcher service
type WatcherClient interface {
	ListSymbols(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetPrice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetCoin(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetEvaluation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	WatchPrices(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Watcher_WatchPricesClient, error)
}

// Watcher_WatchPricesClient is the client side of the WatchPrices stream
type Watcher_WatchPricesClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watcherClient struct {
	cc grpc.ClientConnInterface
}

// NewWatcherClient creates a client over cc
func NewWatcherClient(cc grpc.ClientConnInterface) WatcherClient {
	return &watcherClient{cc}
}

func (c *watcherClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *watcherClient) ListSymbols(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Watcher_ListSymbols_FullMethodName, in, opts)
}

func (c *watcherClient) GetPrice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Watcher_GetPrice_FullMethodName, in, opts)
}

func (c *watcherClient) GetCoin(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Watcher_GetCoin_FullMethodName, in, opts)
}

func (c *watcherClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Watcher_Evaluate_FullMethodName, in, opts)
}

func (c *watcherClient) GetEvaluation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, Watcher_GetEvaluation_FullMethodName, in, opts)
}

func (c *watcherClient) WatchPrices(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Watcher_WatchPricesClient, error) {
	stream, err := c.cc.NewStream(ctx, &Watcher_ServiceDesc.Streams[0], Watcher_WatchPrices_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &watcherWatchPricesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watcherWatchPricesClient struct {
	grpc.ClientStream
}

func (x *watcherWatchPricesClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
