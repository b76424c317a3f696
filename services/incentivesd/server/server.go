package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
	"rewardsledger/observability"
)

// Ledger is the controller surface served over HTTP.
type Ledger interface {
	RewardToken() crypto.Address
	Precision() uint8
	GetDistributionEnd() (uint64, error)
	ConfigureAssets(ctx context.Context, caller crypto.Address, assets []crypto.Address, emissions, totalSupplies []*uint256.Int) error
	SetClaimer(ctx context.Context, caller, user, claimer crypto.Address) error
	SetDistributionEnd(ctx context.Context, caller crypto.Address, end uint64) error
	HandleAction(ctx context.Context, asset, user crypto.Address, userBalance, totalSupply *uint256.Int) (*uint256.Int, error)
	HandleActionWithPosition(ctx context.Context, asset, user crypto.Address, userBalance, totalSupply *uint256.Int, position incentives.Position) (*uint256.Int, error)
	GetAssetData(asset crypto.Address) (*incentives.AssetData, error)
	GetRewardsBalance(ctx context.Context, assets []crypto.Address, user crypto.Address) (*uint256.Int, error)
	GetUserUnclaimedRewards(user crypto.Address) (*uint256.Int, error)
	GetUserAssetData(user, asset crypto.Address) (*uint256.Int, error)
	GetClaimer(user crypto.Address) (crypto.Address, error)
	ClaimRewards(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int, to crypto.Address) (*uint256.Int, error)
	ClaimRewardsToSelf(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int) (*uint256.Int, error)
	ClaimRewardsOnBehalf(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int, user, to crypto.Address) (*uint256.Int, error)
}

// Config captures the HTTP settings of incentivesd.
type Config struct {
	ListenAddress   string
	TLSCertPath     string
	TLSKeyPath      string
	TLSDisable      bool
	Auth            AuthConfig
	RateLimit       RateLimit
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server exposes the incentives ledger over HTTP.
type Server struct {
	cfg     Config
	ledger  Ledger
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
	clock   clockwork.Clock
	logger  *slog.Logger
	handler http.Handler
}

// Option customises a Server.
type Option func(*Server)

// WithHub shares an event hub with the controller's emitter chain.
func WithHub(hub *Hub) Option {
	return func(s *Server) {
		if hub != nil {
			s.hub = hub
		}
	}
}

// WithClock overrides the clock used for token validation and rate limiting.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wires the router.
func New(cfg Config, ledger Ledger, opts ...Option) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("server: ledger required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		cfg:    cfg,
		ledger: ledger,
		hub:    NewHub(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	auth, err := NewAuthenticator(cfg.Auth, s.clock, s.logger)
	if err != nil {
		return nil, err
	}
	s.auth = auth
	s.limiter = NewRateLimiter(cfg.RateLimit, s.clock)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the event hub fed by the controller.
func (s *Server) Hub() *Hub { return s.hub }

// Authenticator returns the bearer token validator, shared with the gRPC
// listener so both transports resolve the same principal.
func (s *Server) Authenticator() *Authenticator { return s.auth }

// RateLimiter returns the per-caller limiter. Sharing it gives a caller one
// budget across transports.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Middleware())
		v1.Use(s.limiter.Middleware)

		v1.Get("/meta", s.instrument("meta", s.handleMeta))
		v1.Get("/assets/{asset}", s.instrument("asset", s.handleGetAsset))
		v1.Get("/users/{user}/rewards", s.instrument("rewards", s.handleRewardsBalance))
		v1.Get("/users/{user}/unclaimed", s.instrument("unclaimed", s.handleUnclaimed))
		v1.Get("/users/{user}/assets/{asset}", s.instrument("user_asset", s.handleUserAsset))
		v1.Get("/users/{user}/claimer", s.instrument("claimer", s.handleGetClaimer))
		v1.Get("/events/stream", s.handleEventStream)

		v1.Group(func(admin chi.Router) {
			admin.Use(RequireRole(RoleAdmin))
			admin.Post("/admin/assets", s.instrument("configure_assets", s.handleConfigureAssets))
			admin.Put("/admin/claimers/{user}", s.instrument("set_claimer", s.handleSetClaimer))
			admin.Put("/admin/distribution-end", s.instrument("set_distribution_end", s.handleSetDistributionEnd))
		})
		v1.Group(func(asset chi.Router) {
			asset.Use(RequireRole(RoleAsset))
			asset.Post("/actions", s.instrument("handle_action", s.handleAction))
		})
		v1.Group(func(user chi.Router) {
			user.Use(RequireRole(RoleUser))
			user.Post("/claims", s.instrument("claim", s.handleClaim))
			user.Post("/claims/on-behalf", s.instrument("claim_on_behalf", s.handleClaimOnBehalf))
		})
	})
	return otelhttp.NewHandler(r, "incentivesd")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r)
		elapsed := s.clock.Since(start)
		observability.API().Observe(route, r.Method, recorder.status, elapsed)
		s.logger.Debug("request served", "route", route, "method", r.Method, "status", recorder.status, "elapsed", elapsed)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "listen", s.cfg.ListenAddress, "tls", !s.cfg.TLSDisable)
	var err error
	if s.cfg.TLSDisable {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
