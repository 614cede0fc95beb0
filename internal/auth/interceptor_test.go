// ABOUTME: Tests for the gRPC bearer-token interceptor
// ABOUTME: Verifies accepted tokens reach the handler and rejected ones return Unauthenticated

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptor(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, "")
	now := time.Now()
	issuer.now = func() time.Time { return now }

	valid, err := issuer.Generate("supervisor", "toolpack", nil, time.Hour)
	require.NoError(t, err)
	expired, err := issuer.Generate("supervisor", "toolpack", nil, -time.Minute)
	require.NoError(t, err)

	interceptor := UnaryInterceptor(issuer.ForAudience("toolpack"), nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/coven.supervisor.v1.ToolService/Invoke"}

	tests := []struct {
		name     string
		md       metadata.MD
		wantCode codes.Code
	}{
		{"valid", metadata.Pairs("authorization", "Bearer "+valid), codes.OK},
		{"no metadata", nil, codes.Unauthenticated},
		{"no authorization", metadata.Pairs("x-other", "1"), codes.Unauthenticated},
		{"expired", metadata.Pairs("authorization", "Bearer "+expired), codes.Unauthenticated},
		{"not bearer", metadata.Pairs("authorization", valid), codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			called := false
			_, err := interceptor(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
				called = true
				caller := FromContext(ctx)
				require.NotNil(t, caller)
				assert.Equal(t, "supervisor", caller.ClientID)
				return "ok", nil
			})
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.Equal(t, tt.wantCode == codes.OK, called)
		})
	}
}

func TestClientRegistry(t *testing.T) {
	clients := NewClientRegistry()
	require.NoError(t, clients.Register("supervisor", "s3cret", []string{"toolpack"}, []string{"tools/invoke"}))
	require.NoError(t, clients.Register("anywhere", "pw", nil, nil))

	scopes, err := clients.Authenticate("supervisor", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, []string{"tools/invoke"}, scopes)

	_, err = clients.Authenticate("supervisor", "wrong")
	assert.ErrorIs(t, err, ErrInvalidClient)
	_, err = clients.Authenticate("ghost", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidClient)

	assert.True(t, clients.Allows("supervisor", "toolpack"))
	assert.False(t, clients.Allows("supervisor", "billing"))
	assert.True(t, clients.Allows("anywhere", "billing"))
	assert.False(t, clients.Allows("ghost", "toolpack"))

	assert.Error(t, clients.Register("", "pw", nil, nil))
	assert.Error(t, clients.Register("x", "", nil, nil))
}
