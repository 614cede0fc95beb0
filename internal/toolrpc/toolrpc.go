// ABOUTME: gRPC contract for coven.supervisor.v1.ToolService using google.protobuf.Struct messages.
// ABOUTME: Client stub, server interface and service descriptor for tool invocation and listing.

package toolrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "coven.supervisor.v1.ToolService"

// Full method names.
const (
	InvokeFullMethodName    = "/" + ServiceName + "/Invoke"
	ListToolsFullMethodName = "/" + ServiceName + "/ListTools"
)

// Field names used inside the Struct messages.
const (
	FieldTool        = "tool"
	FieldArguments   = "arguments"
	FieldTools       = "tools"
	FieldName        = "name"
	FieldDescription = "description"
	FieldInputSchema = "input_schema"
)

// ToolServiceClient is the client API for ToolService.
//
// Invoke takes {"tool": string, "arguments": object} and returns the tool output.
// ListTools takes an empty struct and returns {"tools": [{name, description, input_schema}]}.
type ToolServiceClient interface {
	Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type toolServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewToolServiceClient creates a client bound to the connection.
func NewToolServiceClient(cc grpc.ClientConnInterface) ToolServiceClient {
	return &toolServiceClient{cc: cc}
}

func (c *toolServiceClient) Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvokeFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *toolServiceClient) ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListToolsFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ToolServiceServer is the server API for ToolService.
type ToolServiceServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedToolServiceServer can be embedded to have forward compatible implementations.
type UnimplementedToolServiceServer struct{}

func (UnimplementedToolServiceServer) Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Invoke not implemented")
}

func (UnimplementedToolServiceServer) ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListTools not implemented")
}

// RegisterToolServiceServer registers srv on the gRPC server.
func RegisterToolServiceServer(s grpc.ServiceRegistrar, srv ToolServiceServer) {
	s.RegisterService(&ToolServiceDesc, srv)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListToolsFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).ListTools(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ToolServiceDesc is the grpc.ServiceDesc for ToolService.
var ToolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "ListTools", Handler: listToolsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coven/supervisor/v1/tool.proto",
}
