package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"rewardsledger/core/events"
	"rewardsledger/core/state"
	"rewardsledger/native/incentives"
	"rewardsledger/observability/logging"
	telemetry "rewardsledger/observability/otel"
	"rewardsledger/services/incentivesd/audit"
	"rewardsledger/services/incentivesd/config"
	"rewardsledger/services/incentivesd/rpc"
	"rewardsledger/services/incentivesd/server"
	"rewardsledger/storage"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "services/incentivesd/config.yaml", "path to incentivesd configuration file")
	envFile := flag.String("env-file", ".env", "optional KEY=VALUE file loaded before the configuration")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("incentivesd: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("incentivesd: load config: %v", err)
	}
	logger, err := logging.Setup("incentivesd", cfg.Environment, cfg.LoggingOptions())
	if err != nil {
		log.Fatalf("incentivesd: setup logging: %v", err)
	}
	logger.Info("configuration loaded", cfg.LogAttrs()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "incentivesd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("incentivesd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("incentivesd: %v", err)
	}
	logger.Info("incentivesd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	auditDB, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	if sqlDB, err := auditDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	auditLog, err := audit.NewLog(auditDB, audit.WithLogLogger(logger))
	if err != nil {
		return err
	}
	queue, err := audit.NewPayoutQueue(auditDB)
	if err != nil {
		return err
	}

	store := state.NewIncentivesStore(db)
	positions := state.NewPositionBook(db)
	hub := server.NewHub()

	controller, err := newController(cfg, store, positions, events.NewMultiEmitter(hub, auditLog), logger)
	if err != nil {
		return err
	}
	if err := bootstrap(ctx, cfg, controller); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	relay, err := incentives.NewPayoutRelay(store, queue,
		incentives.WithRelayInterval(cfg.Relay.Interval.Duration),
		incentives.WithRelayBatch(cfg.Relay.Batch),
		incentives.WithRelayLogger(logger),
	)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLSCertPath:   cfg.TLS.CertPath,
		TLSKeyPath:    cfg.TLS.KeyPath,
		TLSDisable:    cfg.TLS.Disable,
		Auth: server.AuthConfig{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, controller,
		server.WithHub(hub),
		server.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var grpcSrv *rpc.Server
	if cfg.GRPC.ListenAddress != "" {
		grpcSrv, err = rpc.New(rpc.Config{
			ListenAddress: cfg.GRPC.ListenAddress,
			TLSCertPath:   cfg.TLS.CertPath,
			TLSKeyPath:    cfg.TLS.KeyPath,
			TLSDisable:    cfg.TLS.Disable,
		}, controller, srv.Authenticator(), srv.RateLimiter(), logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if grpcSrv != nil {
		g.Go(func() error { return grpcSrv.Run(gctx) })
	}
	g.Go(func() error {
		err := relay.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// openStorage selects the ledger backend named by the configuration.
func openStorage(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		return storage.NewLevelDB(cfg.Path)
	case "bolt":
		return storage.NewBoltDB(cfg.Path, nil)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func newController(cfg config.Config, store incentives.State, positions incentives.BalanceSource, emitter events.Emitter, logger *slog.Logger) (*incentives.Controller, error) {
	rewardToken, err := cfg.RewardTokenAddress()
	if err != nil {
		return nil, err
	}
	admins, err := cfg.AdminAddresses()
	if err != nil {
		return nil, err
	}
	return incentives.NewController(store, incentives.Params{
		RewardToken: rewardToken,
		Precision:   cfg.Ledger.Precision,
	},
		incentives.WithAuthorizer(incentives.NewRoleTable(admins...)),
		incentives.WithBalanceSource(positions),
		incentives.WithEmitter(emitter),
		incentives.WithLogger(logger),
	)
}

// bootstrap applies the configured distribution end while none is stored
// and configures bootstrap assets that carry no emission yet. Restarts
// therefore never override rates changed through the API.
func bootstrap(ctx context.Context, cfg config.Config, controller *incentives.Controller) error {
	admins, err := cfg.AdminAddresses()
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return errors.New("no ledger admin configured")
	}
	operator := admins[0]

	if cfg.Ledger.DistributionEnd != 0 {
		end, err := controller.GetDistributionEnd()
		if err != nil {
			return err
		}
		if end == 0 {
			if err := controller.SetDistributionEnd(ctx, operator, cfg.Ledger.DistributionEnd); err != nil {
				return err
			}
		}
	}

	plan, err := cfg.BootstrapPlan()
	if err != nil {
		return err
	}
	pending := config.Bootstrap{}
	for i, asset := range plan.Assets {
		data, err := controller.GetAssetData(asset)
		if err != nil {
			return err
		}
		if data.EmissionPerSecond != nil && !data.EmissionPerSecond.IsZero() {
			continue
		}
		pending.Assets = append(pending.Assets, asset)
		pending.Emissions = append(pending.Emissions, plan.Emissions[i])
		pending.TotalSupplies = append(pending.TotalSupplies, plan.TotalSupplies[i])
	}
	if len(pending.Assets) == 0 {
		return nil
	}
	return controller.ConfigureAssets(ctx, operator, pending.Assets, pending.Emissions, pending.TotalSupplies)
}
