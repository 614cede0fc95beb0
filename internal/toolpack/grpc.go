// ABOUTME: gRPC ToolService implementation backed by the pack.
// ABOUTME: Tool failures map to status codes the gateway client classifies as permanent or transient.

package toolpack

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-supervisor/internal/mcp"
	"github.com/2389/coven-supervisor/internal/toolrpc"
)

// GRPCService serves the pack over coven.supervisor.v1.ToolService under bare tool names.
type GRPCService struct {
	toolrpc.UnimplementedToolServiceServer
	pack *Pack
}

// NewGRPCService wraps the pack.
func NewGRPCService(p *Pack) *GRPCService {
	return &GRPCService{pack: p}
}

// Invoke runs one tool.
func (s *GRPCService) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	name := fields[toolrpc.FieldTool].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}

	args := []byte(`{}`)
	if a := fields[toolrpc.FieldArguments].GetStructValue(); a != nil {
		raw, err := a.MarshalJSON()
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "arguments are not encodable")
		}
		args = raw
	}

	output, err := s.pack.CallTool(ctx, s.pack.remoteName(name), args)
	if err != nil {
		var toolErr *mcp.ToolError
		switch {
		case errors.As(err, &toolErr):
			return nil, status.Error(codes.InvalidArgument, toolErr.Message)
		case errors.Is(err, mcp.ErrToolNotFound):
			return nil, status.Errorf(codes.NotFound, "tool %s not found", name)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, "tool execution timed out")
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, "request cancelled")
		}
		return nil, status.Error(codes.Internal, "tool execution failed")
	}

	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(output); err != nil {
		return nil, status.Error(codes.Internal, "tool output is not a JSON object")
	}
	return out, nil
}

// ListTools describes every tool in the pack.
func (s *GRPCService) ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	values := make([]*structpb.Value, 0, len(s.pack.tools))
	for _, t := range s.pack.tools {
		entry := &structpb.Struct{Fields: map[string]*structpb.Value{
			toolrpc.FieldName:        structpb.NewStringValue(t.Name),
			toolrpc.FieldDescription: structpb.NewStringValue(t.Description),
		}}
		if len(t.InputSchema) > 0 {
			schema := &structpb.Struct{}
			if err := schema.UnmarshalJSON(t.InputSchema); err == nil {
				entry.Fields[toolrpc.FieldInputSchema] = structpb.NewStructValue(schema)
			}
		}
		values = append(values, structpb.NewStructValue(entry))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		toolrpc.FieldTools: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}, nil
}
