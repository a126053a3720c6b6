package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "speakle.points.v1.PointsService"

const (
	methodApply             = "Apply"
	methodCheckIn           = "CheckIn"
	methodGetAccount        = "GetAccount"
	methodListLedgerEntries = "ListLedgerEntries"
)

// PointsServiceServer is the server API for speakle.points.v1.PointsService.
// Requests and responses are google.protobuf.Struct documents.
type PointsServiceServer interface {
	Apply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLedgerEntries(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server PointsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(method string, call unaryCall) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		server := srv.(PointsServiceServer)
		if interceptor == nil {
			return call(server, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// ServiceDesc describes PointsService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PointsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodApply, Handler: unaryHandler(methodApply, PointsServiceServer.Apply)},
		{MethodName: methodCheckIn, Handler: unaryHandler(methodCheckIn, PointsServiceServer.CheckIn)},
		{MethodName: methodGetAccount, Handler: unaryHandler(methodGetAccount, PointsServiceServer.GetAccount)},
		{MethodName: methodListLedgerEntries, Handler: unaryHandler(methodListLedgerEntries, PointsServiceServer.ListLedgerEntries)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "speakle/points/v1/points.proto",
}

// Register attaches the points service to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, server PointsServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// Client calls PointsService over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) Apply(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodApply, request, options)
}

func (client *Client) CheckIn(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCheckIn, request, options)
}

func (client *Client) GetAccount(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetAccount, request, options)
}

func (client *Client) ListLedgerEntries(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListLedgerEntries, request, options)
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct, options []grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
