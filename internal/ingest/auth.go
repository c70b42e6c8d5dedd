package ingest

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"cluster-watchdog/internal/metrics"
)

var ErrUnauthenticated = status.Error(codes.Unauthenticated, "missing or invalid bearer token")

// CheckBearer reports whether header carries token as a bearer credential.
// An empty token disables the check.
func CheckBearer(header, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func authorized(ctx context.Context, token string) bool {
	if token == "" {
		return true
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		if CheckBearer(v, token) {
			return true
		}
	}
	return false
}

// TokenStreamInterceptor rejects streams without the shared bearer token.
func TokenStreamInterceptor(token string, g *Guard) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !authorized(ss.Context(), token) {
			g.reject(metrics.ReasonUnauthenticated)
			g.logger.Warn("unauthenticated ingest stream", "method", info.FullMethod)
			return ErrUnauthenticated
		}
		return handler(srv, ss)
	}
}
