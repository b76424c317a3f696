package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rewardsledger/services/incentivesd/server"
)

// methodRoles lists the role each mutating method requires. Methods absent
// from the table admit any authenticated caller.
var methodRoles = map[string]server.Role{
	"/" + ServiceName + "/ConfigureAssets":      server.RoleAdmin,
	"/" + ServiceName + "/SetClaimer":           server.RoleAdmin,
	"/" + ServiceName + "/SetDistributionEnd":   server.RoleAdmin,
	"/" + ServiceName + "/HandleAction":         server.RoleAsset,
	"/" + ServiceName + "/ClaimRewards":         server.RoleUser,
	"/" + ServiceName + "/ClaimRewardsOnBehalf": server.RoleUser,
}

type authenticator struct {
	auth    *server.Authenticator
	limiter *server.RateLimiter
}

// NewAuthInterceptor authenticates every call with the bearer token in the
// "authorization" metadata, enforces the method's role and the caller's
// rate budget, and attaches the principal to the handler context.
func NewAuthInterceptor(auth *server.Authenticator, limiter *server.RateLimiter) grpc.UnaryServerInterceptor {
	a := &authenticator{auth: auth, limiter: limiter}
	return a.unaryInterceptor()
}

func (a *authenticator) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := a.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *authenticator) authenticate(ctx context.Context, method string) (context.Context, error) {
	if a == nil || a.auth == nil {
		return ctx, status.Error(codes.Internal, "authenticator unavailable")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	principal, err := a.auth.Authenticate(header)
	switch {
	case errors.Is(err, server.ErrMissingToken):
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	case err != nil:
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	if role, ok := methodRoles[method]; ok && !principal.HasAnyRole(role) {
		return ctx, status.Error(codes.PermissionDenied, "insufficient role")
	}
	if !a.limiter.AllowPrincipal(principal) {
		return ctx, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return server.ContextWithPrincipal(ctx, principal), nil
}
