// Package api exposes the operator surface of the daemon over gRPC.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code; the descriptor below is what protoc would emit for
//
//	service Admin {
//	  rpc GetStatus(Struct) returns (Struct);
//	  rpc GetPresence(Struct) returns (Struct);
//	  rpc ListSessions(Struct) returns (Struct);
//	  rpc GetCall(Struct) returns (Struct);
//	  rpc IssuePairingCode(Struct) returns (Struct);
//	  rpc WatchEvents(Struct) returns (stream Struct);
//	}
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convsync.admin.v1.Admin"

const (
	methodGetStatus        = "GetStatus"
	methodGetPresence      = "GetPresence"
	methodListSessions     = "ListSessions"
	methodGetCall          = "GetCall"
	methodIssuePairingCode = "IssuePairingCode"
	methodWatchEvents      = "WatchEvents"
)

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssuePairingCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryFunc func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// AdminServiceDesc is the grpc.ServiceDesc for the Admin service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodGetStatus, AdminServer.GetStatus),
		unary(methodGetPresence, AdminServer.GetPresence),
		unary(methodListSessions, AdminServer.ListSessions),
		unary(methodGetCall, AdminServer.GetCall),
		unary(methodIssuePairingCode, AdminServer.IssuePairingCode),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    methodWatchEvents,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "convsync/admin/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}
