package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
	"rewardsledger/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for incentivesd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"env"`
	GRPC          GRPCConfig       `yaml:"grpc"`
	Ledger        LedgerConfig     `yaml:"ledger"`
	Storage       StorageConfig    `yaml:"storage"`
	Audit         AuditConfig      `yaml:"audit"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	TLS           TLSConfig        `yaml:"tls"`
	CORS          CORSConfig       `yaml:"cors"`
	Logging       LoggingConfig    `yaml:"logging"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Relay         RelayConfig      `yaml:"relay"`
	Bootstrap     []BootstrapAsset `yaml:"bootstrap"`
}

// GRPCConfig configures the gRPC listener served next to the HTTP API. It
// shares the tls section. An empty listen address disables it.
type GRPCConfig struct {
	ListenAddress string `yaml:"listen"`
}

// LedgerConfig fixes the controller parameters.
type LedgerConfig struct {
	RewardToken     string   `yaml:"reward_token"`
	Precision       uint8    `yaml:"precision"`
	DistributionEnd uint64   `yaml:"distribution_end"`
	Admins          []string `yaml:"admins"`
}

// StorageConfig selects the ledger key/value backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuditConfig points at the SQL database holding the audit log and the
// payout instruction queue.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig validates bearer tokens.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig describes the listener certificate.
type TLSConfig struct {
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
	Disable  bool   `yaml:"disable"`
}

// CORSConfig lists the browser origins allowed to call the API and open
// the event stream. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	Headers     string  `yaml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RelayConfig tunes payout delivery.
type RelayConfig struct {
	Interval Duration `yaml:"interval"`
	Batch    int      `yaml:"batch"`
}

// BootstrapAsset is configured once at startup when the asset has no
// emission yet.
type BootstrapAsset struct {
	Asset             string `yaml:"asset"`
	EmissionPerSecond string `yaml:"emission_per_second"`
	TotalSupply       string `yaml:"total_supply"`
}

const (
	envListen          = "INCENTIVESD_LISTEN"
	envEnvironment     = "INCENTIVESD_ENV"
	envGRPCListen      = "INCENTIVESD_GRPC_LISTEN"
	envRewardToken     = "INCENTIVESD_REWARD_TOKEN"
	envAdmins          = "INCENTIVESD_ADMINS"
	envStorageBackend  = "INCENTIVESD_STORAGE_BACKEND"
	envStoragePath     = "INCENTIVESD_STORAGE_PATH"
	envAuditDriver     = "INCENTIVESD_AUDIT_DRIVER"
	envAuditDSN        = "INCENTIVESD_AUDIT_DSN"
	envJWTSecret       = "INCENTIVESD_JWT_SECRET"
	envRatePerMin      = "INCENTIVESD_RATE_PER_MIN"
	envTLSDisable      = "INCENTIVESD_TLS_DISABLE"
	envLogLevel        = "INCENTIVESD_LOG_LEVEL"
	envLogFormat       = "INCENTIVESD_LOG_FORMAT"
	envOTLPEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders     = "OTEL_EXPORTER_OTLP_HEADERS"
	envOTLPInsecure    = "OTEL_EXPORTER_OTLP_INSECURE"
	defaultListen      = ":7090"
	defaultBackend     = "leveldb"
	defaultStoragePath = "/var/data/incentivesd/ledger"
	defaultAuditDriver = "sqlite"
	defaultAuditDSN    = "/var/data/incentivesd/audit.sqlite"
	defaultRatePerMin  = 600
	defaultBurst       = 60
	defaultClockSkew   = 30 * time.Second
	defaultRelayPeriod = 2 * time.Second
	defaultRelayBatch  = 64
	minJWTSecretLength = 32
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads the YAML configuration, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.Environment = stringFromEnv(envEnvironment, cfg.Environment)
	cfg.GRPC.ListenAddress = stringFromEnv(envGRPCListen, cfg.GRPC.ListenAddress)
	cfg.Ledger.RewardToken = stringFromEnv(envRewardToken, cfg.Ledger.RewardToken)
	if raw, ok := os.LookupEnv(envAdmins); ok {
		cfg.Ledger.Admins = splitAndTrim(raw)
	}
	cfg.Storage.Backend = stringFromEnv(envStorageBackend, cfg.Storage.Backend)
	cfg.Storage.Path = stringFromEnv(envStoragePath, cfg.Storage.Path)
	cfg.Audit.Driver = stringFromEnv(envAuditDriver, cfg.Audit.Driver)
	cfg.Audit.DSN = stringFromEnv(envAuditDSN, cfg.Audit.DSN)
	cfg.Auth.JWTSecret = stringFromEnv(envJWTSecret, cfg.Auth.JWTSecret)
	cfg.Logging.Level = stringFromEnv(envLogLevel, cfg.Logging.Level)
	cfg.Logging.Format = stringFromEnv(envLogFormat, cfg.Logging.Format)
	cfg.Telemetry.Endpoint = stringFromEnv(envOTLPEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = stringFromEnv(envOTLPHeaders, cfg.Telemetry.Headers)

	var err error
	if cfg.RateLimit.RequestsPerMinute, err = floatFromEnv(envRatePerMin, cfg.RateLimit.RequestsPerMinute); err != nil {
		return err
	}
	if cfg.TLS.Disable, err = boolFromEnv(envTLSDisable, cfg.TLS.Disable); err != nil {
		return err
	}
	if cfg.Telemetry.Insecure, err = boolFromEnv(envOTLPInsecure, cfg.Telemetry.Insecure); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaultBackend
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = defaultStoragePath
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = defaultAuditDriver
	}
	cfg.Audit.Driver = strings.ToLower(cfg.Audit.Driver)
	if cfg.Audit.DSN == "" && cfg.Audit.Driver == defaultAuditDriver {
		cfg.Audit.DSN = defaultAuditDSN
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = defaultClockSkew
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRatePerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.Relay.Interval.Duration == 0 {
		cfg.Relay.Interval.Duration = defaultRelayPeriod
	}
	if cfg.Relay.Batch == 0 {
		cfg.Relay.Batch = defaultRelayBatch
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg Config) error {
	if _, err := cfg.RewardTokenAddress(); err != nil {
		return err
	}
	if cfg.GRPC.ListenAddress != "" && cfg.GRPC.ListenAddress == cfg.ListenAddress {
		return fmt.Errorf("grpc.listen must differ from listen")
	}
	if cfg.Ledger.Precision != 0 {
		if _, err := incentives.NewFixedPoint(cfg.Ledger.Precision); err != nil {
			return fmt.Errorf("ledger.precision: %w", err)
		}
	}
	admins, err := cfg.AdminAddresses()
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return fmt.Errorf("ledger.admins must list at least one address")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", cfg.Storage.Backend)
	}
	switch cfg.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported audit.driver %q", cfg.Audit.Driver)
	}
	if strings.TrimSpace(cfg.Audit.DSN) == "" {
		return fmt.Errorf("audit.dsn required")
	}
	if len(cfg.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	if !cfg.TLS.Disable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return fmt.Errorf("tls.cert and tls.key required unless tls.disable is set")
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported logging.format %q", cfg.Logging.Format)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if cfg.Relay.Batch < 0 {
		return fmt.Errorf("relay.batch must be positive")
	}
	if _, err := cfg.BootstrapPlan(); err != nil {
		return err
	}
	return nil
}

// RewardTokenAddress decodes ledger.reward_token.
func (c Config) RewardTokenAddress() (crypto.Address, error) {
	raw := strings.TrimSpace(c.Ledger.RewardToken)
	if raw == "" {
		return crypto.Address{}, fmt.Errorf("ledger.reward_token required")
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("ledger.reward_token: %w", err)
	}
	return addr, nil
}

// AdminAddresses decodes ledger.admins.
func (c Config) AdminAddresses() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(c.Ledger.Admins))
	for i, raw := range c.Ledger.Admins {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("ledger.admins[%d]: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Bootstrap is the decoded form of the bootstrap section, laid out as the
// parallel inputs of Controller.ConfigureAssets.
type Bootstrap struct {
	Assets        []crypto.Address
	Emissions     []*uint256.Int
	TotalSupplies []*uint256.Int
}

// BootstrapPlan decodes and validates the bootstrap entries.
func (c Config) BootstrapPlan() (Bootstrap, error) {
	plan := Bootstrap{}
	seen := make(map[string]struct{}, len(c.Bootstrap))
	for i, entry := range c.Bootstrap {
		asset, err := crypto.DecodeAddress(strings.TrimSpace(entry.Asset))
		if err != nil {
			return Bootstrap{}, fmt.Errorf("bootstrap[%d].asset: %w", i, err)
		}
		if _, dup := seen[asset.Key()]; dup {
			return Bootstrap{}, fmt.Errorf("bootstrap[%d]: duplicate asset %s", i, asset)
		}
		seen[asset.Key()] = struct{}{}
		emission, err := parseAmount(entry.EmissionPerSecond)
		if err != nil {
			return Bootstrap{}, fmt.Errorf("bootstrap[%d].emission_per_second: %w", i, err)
		}
		supply, err := parseAmount(entry.TotalSupply)
		if err != nil {
			return Bootstrap{}, fmt.Errorf("bootstrap[%d].total_supply: %w", i, err)
		}
		plan.Assets = append(plan.Assets, asset)
		plan.Emissions = append(plan.Emissions, emission)
		plan.TotalSupplies = append(plan.TotalSupplies, supply)
	}
	return plan, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}

// LoggingOptions converts the logging section.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{Format: strings.ToLower(c.Logging.Format), Level: c.Logging.Level, File: c.Logging.File}
}

// LogAttrs renders the configuration for startup logs with secrets masked.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("listen", c.ListenAddress),
		slog.String("grpc_listen", c.GRPC.ListenAddress),
		slog.String("env", c.Environment),
		slog.String("backend", c.Storage.Backend),
		slog.String("storage_path", c.Storage.Path),
		slog.String("driver", c.Audit.Driver),
		slog.String("audit_dsn", logging.MaskDSN(c.Audit.DSN)),
		logging.MaskField("jwt_secret", c.Auth.JWTSecret),
		slog.Int("admins", len(c.Ledger.Admins)),
		slog.Int("bootstrap_assets", len(c.Bootstrap)),
		slog.Bool("tls", !c.TLS.Disable),
	}
}

func stringFromEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return parsed, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return parsed, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
