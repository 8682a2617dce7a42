package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

// requireToken rejects calls whose authorization metadata does not carry
// "Bearer <token>". Every CreditService method moves or reveals credits, so
// none is exempt.
func requireToken(token string) grpc.UnaryServerInterceptor {
	want := []byte(token)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var got string
		if values := md.Get(authorizationKey); len(values) > 0 {
			got, _ = strings.CutPrefix(values[0], "Bearer ")
		}
		if got == "" {
			return nil, status.Error(codes.Unauthenticated, "missing service token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid service token")
		}
		return handler(ctx, req)
	}
}

// tokenCredentials attaches the service token to every call. The default
// client transport is plaintext, so it does not demand TLS.
type tokenCredentials string

func (c tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{authorizationKey: "Bearer " + string(c)}, nil
}

func (c tokenCredentials) RequireTransportSecurity() bool {
	return false
}

var _ credentials.PerRPCCredentials = tokenCredentials("")
