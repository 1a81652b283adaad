package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"messenger-courier/internal/security"
)

// AuthUnary returns a unary server interceptor that validates the Bearer
// connect token from gRPC metadata and sets the token's session id in context
// for protected RPCs. publicMethods is the set of full method names that do
// not require a token (health probes). A valid token on a public method still
// sets the session id.
func AuthUnary(tokens *security.ConnectTokenProvider, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if token := extractBearer(ctx); token != "" {
			if sessionID, err := tokens.Verify(token); err == nil {
				return handler(WithSession(ctx, sessionID), req)
			}
		}
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing
// or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(vals[0]), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
