package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"rewardsledger/crypto"
)

// Role grants access to a group of routes.
type Role string

const (
	// RoleAdmin may configure assets, claimers and the distribution end.
	// The ledger still checks the caller against its own admin table.
	RoleAdmin Role = "admin"
	// RoleAsset is held by asset collaborators reporting balance changes.
	RoleAsset Role = "asset"
	// RoleUser may claim rewards.
	RoleUser Role = "user"
)

// Claims is the JWT payload accepted by incentivesd. The subject carries the
// caller's bech32 address.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if Role(strings.ToLower(strings.TrimSpace(r))) == role {
			return true
		}
	}
	return false
}

// SignToken mints an HS256 token. It is shared with incentivesctl.
func SignToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: secret required")
	}
	if _, err := crypto.DecodeAddress(claims.Subject); err != nil {
		return "", fmt.Errorf("auth: subject: %w", err)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Secret    string
	Issuer    string
	Audience  []string
	ClockSkew time.Duration
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Address crypto.Address
	Claims  *Claims
}

type principalKey struct{}

// PrincipalFromContext returns the caller authenticated for the request.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator validates HMAC-signed bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewAuthenticator validates cfg and returns an Authenticator.
func NewAuthenticator(cfg AuthConfig, clock clockwork.Clock, logger *slog.Logger) (*Authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		return nil, errors.New("auth: secret not configured")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{cfg: cfg, secret: secret, clock: clock, logger: logger}, nil
}

// Sentinel errors returned by Authenticate.
var (
	ErrMissingToken   = errors.New("auth: missing bearer token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrInvalidSubject = errors.New("auth: invalid token subject")
)

// Authenticate validates an Authorization header value and returns the
// caller it names. The HTTP middleware and the gRPC interceptor share it.
func (a *Authenticator) Authenticate(header string) (*Principal, error) {
	tokenString := extractBearer(header)
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		a.logger.Warn("token validation failed", "error", err)
		return nil, ErrInvalidToken
	}
	caller, err := crypto.DecodeAddress(claims.Subject)
	if err != nil {
		a.logger.Warn("token subject rejected", "error", err)
		return nil, ErrInvalidSubject
	}
	return &Principal{Address: caller, Claims: claims}, nil
}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p *Principal) HasAnyRole(roles ...Role) bool {
	return p != nil && p.Claims != nil && hasAnyRole(p.Claims, roles)
}

// Middleware authenticates the request and, when roles are supplied,
// requires the token to grant at least one of them.
func (a *Authenticator) Middleware(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, strings.TrimPrefix(err.Error(), "auth: "))
				return
			}
			if len(roles) > 0 && !principal.HasAnyRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole admits requests whose authenticated principal holds at least
// one of roles. It must run after Middleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing principal")
				return
			}
			if !hasAnyRole(p.Claims, roles) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	if err := validateAudience(claims, a.cfg.Audience); err != nil {
		return nil, err
	}
	return claims, nil
}

func validateAudience(claims *Claims, accepted []string) error {
	if len(accepted) == 0 {
		return nil
	}
	for _, want := range accepted {
		for _, got := range claims.Audience {
			if got == want {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

func hasAnyRole(claims *Claims, roles []Role) bool {
	for _, role := range roles {
		if claims.HasRole(role) {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
