package engineadmin

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name advertised in the
// ServiceDesc below and dialled by Client.
const serviceName = "xp.engineadmin.v1.EngineAdmin"

// AdminServer is implemented by whatever drives the local proxy engine
// (xray-core or a compatible engine) on behalf of the reconciler, quota
// controller, and probe supervisor. A real deployment backs this with a
// thin shim process embedding the engine's own command API; this package
// only owns the transport between the reconciler and that shim.
type AdminServer interface {
	AddInbound(context.Context, *AddInboundRequest) (*AddInboundResponse, error)
	RemoveInbound(context.Context, *RemoveInboundRequest) (*RemoveInboundResponse, error)
	AddUser(context.Context, *AddUserRequest) (*AddUserResponse, error)
	RemoveUser(context.Context, *RemoveUserRequest) (*RemoveUserResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	GetUserTraffic(context.Context, *GetUserTrafficRequest) (*GetUserTrafficResponse, error)
}

func handlerFor[Req any, Resp any](call func(AdminServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// serviceDesc is hand-built in place of a generated protoc stub, since no
// xray-core .proto descriptors are available anywhere in the reference
// pack (see DESIGN.md). Its shape otherwise matches what protoc-gen-go-grpc
// would emit: one grpc.ServiceDesc with a MethodDesc per unary RPC.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AddInbound",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.AddInbound)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "RemoveInbound",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.RemoveInbound)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "AddUser",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.AddUser)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "RemoveUser",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.RemoveUser)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "GetStats",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.GetStats)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "GetUserTraffic",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return handlerFor(AdminServer.GetUserTraffic)(srv, ctx, dec, interceptor)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/engineadmin/service.go",
}
