package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.remediator.v1.Operator"

// OperatorServer is the server API for the Operator service. Requests and
// responses are google.protobuf.Struct documents whose fields mirror the
// JSON shape of the domain models.
type OperatorServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AttachRCA(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Propose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateIssue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteIssue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryIssue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveIssue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIncident(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIncidents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIssue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIssues(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamAudit(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryMethod func(OperatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OperatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OperatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func streamAuditHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OperatorServer).StreamAudit(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// OperatorServiceDesc describes the Operator service for grpc.Server.RegisterService.
var OperatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ingest", OperatorServer.Ingest),
		unary("AttachRCA", OperatorServer.AttachRCA),
		unary("Propose", OperatorServer.Propose),
		unary("Approve", OperatorServer.Approve),
		unary("Reject", OperatorServer.Reject),
		unary("CreateIssue", OperatorServer.CreateIssue),
		unary("ExecuteIssue", OperatorServer.ExecuteIssue),
		unary("RetryIssue", OperatorServer.RetryIssue),
		unary("ResolveIssue", OperatorServer.ResolveIssue),
		unary("GetIncident", OperatorServer.GetIncident),
		unary("ListIncidents", OperatorServer.ListIncidents),
		unary("GetIssue", OperatorServer.GetIssue),
		unary("ListIssues", OperatorServer.ListIssues),
		unary("QueryAudit", OperatorServer.QueryAudit),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamAudit",
		Handler:       streamAuditHandler,
		ServerStreams: true,
	}},
	Metadata: "mirador/remediator/v1/operator.proto",
}

// RegisterOperatorServer registers srv on s.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&OperatorServiceDesc, srv)
}

// OperatorClient calls Operator methods on a connection.
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

// NewOperatorClient wraps cc.
func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

// Call invokes a unary method by name.
func (c *OperatorClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamAudit opens the audit stream.
func (c *OperatorClient) StreamAudit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &OperatorServiceDesc.Streams[0], "/"+ServiceName+"/StreamAudit", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
