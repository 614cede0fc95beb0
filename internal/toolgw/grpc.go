// ABOUTME: gRPC transport calling coven.supervisor.v1.ToolService with Struct payloads.
// ABOUTME: Maps gRPC status codes onto the transient, auth-expired and permanent error classes.

package toolgw

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-supervisor/internal/toolrpc"
)

// GRPCTransport calls tools on a gRPC ToolService.
type GRPCTransport struct {
	client toolrpc.ToolServiceClient
	conn   *grpc.ClientConn
}

// NewGRPCTransport wraps an existing connection. The caller owns the connection.
func NewGRPCTransport(cc grpc.ClientConnInterface) *GRPCTransport {
	return &GRPCTransport{client: toolrpc.NewToolServiceClient(cc)}
}

// DialGRPC connects to a ToolService at target. Plaintext is used unless
// extra dial options supply transport credentials.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if target == "" {
		return nil, errors.New("grpc target is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return &GRPCTransport{client: toolrpc.NewToolServiceClient(conn), conn: conn}, nil
}

// Close releases a connection opened by DialGRPC.
func (t *GRPCTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Call invokes ToolService/Invoke.
func (t *GRPCTransport) Call(ctx context.Context, req Request) (*Response, error) {
	args := &structpb.Struct{}
	if len(req.Arguments) > 0 {
		if err := args.UnmarshalJSON(req.Arguments); err != nil {
			return nil, permanent("arguments for %s must be a JSON object", req.Tool)
		}
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		toolrpc.FieldTool:      structpb.NewStringValue(req.Tool),
		toolrpc.FieldArguments: structpb.NewStructValue(args),
	}}

	out, err := t.client.Invoke(withBearer(ctx, req.Token), in)
	if err != nil {
		return nil, classifyGRPC(ctx, req.Tool, err)
	}
	output, err := out.MarshalJSON()
	if err != nil {
		return nil, permanent("encoding %s output: %v", req.Tool, err)
	}
	return &Response{Output: output}, nil
}

// ListTools invokes ToolService/ListTools.
func (t *GRPCTransport) ListTools(ctx context.Context, token string) ([]RemoteTool, error) {
	out, err := t.client.ListTools(withBearer(ctx, token), &structpb.Struct{})
	if err != nil {
		return nil, classifyGRPC(ctx, "ListTools", err)
	}

	var tools []RemoteTool
	for _, v := range out.GetFields()[toolrpc.FieldTools].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		name := fields[toolrpc.FieldName].GetStringValue()
		if name == "" {
			continue
		}
		rt := RemoteTool{
			Name:        name,
			Description: fields[toolrpc.FieldDescription].GetStringValue(),
		}
		if schema := fields[toolrpc.FieldInputSchema].GetStructValue(); schema != nil {
			if raw, err := schema.MarshalJSON(); err == nil {
				rt.InputSchema = raw
			}
		}
		tools = append(tools, rt)
	}
	return tools, nil
}

func withBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// classifyGRPC maps a gRPC status onto the tool error taxonomy.
func classifyGRPC(ctx context.Context, tool string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return transient("%s: %v", tool, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return authExpired("%s: %s", tool, st.Code())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown:
		return transient("%s: %s: %s", tool, st.Code(), st.Message())
	default:
		return permanent("%s: %s: %s", tool, st.Code(), st.Message())
	}
}
