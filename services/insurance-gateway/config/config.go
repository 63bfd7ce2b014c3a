package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"shipcover/crypto"
	"shipcover/crypto/condition"
	"shipcover/insurance/escrow"
	"shipcover/insurance/fault"
	"shipcover/observability/otel"
)

// DefaultNodeURL is the public XRPL testnet JSON-RPC endpoint.
const DefaultNodeURL = "https://s.altnet.rippletest.net:51234"

// Config represents runtime configuration for the insurance gateway.
type Config struct {
	Port        string          `yaml:"port" toml:"port"`
	Environment string          `yaml:"environment" toml:"environment"`
	DatabaseURL string          `yaml:"database_url" toml:"database_url"`
	Log         LogConfig       `yaml:"log" toml:"log"`
	Ledger      LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Escrow      EscrowConfig    `yaml:"escrow" toml:"escrow"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Recon       ReconConfig     `yaml:"recon" toml:"recon"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig controls the slog handler and the optional rotated file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LedgerConfig configures the rippled JSON-RPC client and submission policy.
type LedgerConfig struct {
	NodeURL           string        `yaml:"node_url" toml:"node_url"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	LedgerOffset      uint32        `yaml:"ledger_offset" toml:"ledger_offset"`
	MaxFeeDrops       uint64        `yaml:"max_fee_drops" toml:"max_fee_drops"`
	PollInterval      time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	WaitBudget        time.Duration `yaml:"wait_budget" toml:"wait_budget"`
}

// EscrowConfig holds the custodian credentials, the release preimage and the
// escrow time window.
type EscrowConfig struct {
	CustodianSeed     string              `yaml:"custodian_seed" toml:"custodian_seed"`
	CustodianSeedFile string              `yaml:"custodian_seed_file" toml:"custodian_seed_file"`
	Preimage          string              `yaml:"preimage" toml:"preimage"`
	Window            escrow.WindowPolicy `yaml:"window" toml:"window"`
}

// AuthConfig controls JWT verification.
type AuthConfig struct {
	Alg              string        `yaml:"alg" toml:"alg"`
	Issuer           string        `yaml:"issuer" toml:"issuer"`
	Audience         []string      `yaml:"audience" toml:"audience"`
	HSSecret         string        `yaml:"hs_secret" toml:"hs_secret"`
	RSAPublicKeyFile string        `yaml:"rsa_public_key_file" toml:"rsa_public_key_file"`
	MaxSkew          time.Duration `yaml:"max_skew" toml:"max_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// ReconConfig schedules the reconciliation job.
type ReconConfig struct {
	OutputDir  string        `yaml:"output_dir" toml:"output_dir"`
	DryRun     bool          `yaml:"dry_run" toml:"dry_run"`
	RunHour    int           `yaml:"run_hour" toml:"run_hour"`
	RunMinute  int           `yaml:"run_minute" toml:"run_minute"`
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Default returns the configuration used before files and environment apply.
func Default() Config {
	return Config{
		Port:        "8080",
		Environment: "dev",
		Log:         LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Ledger: LedgerConfig{
			NodeURL:           DefaultNodeURL,
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			LedgerOffset:      20,
			MaxFeeDrops:       2_000_000,
			PollInterval:      time.Second,
			WaitBudget:        90 * time.Second,
		},
		Escrow:    EscrowConfig{Window: escrow.DefaultWindowPolicy()},
		Auth:      AuthConfig{Alg: "HS256", MaxSkew: 30 * time.Second},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		Recon:     ReconConfig{OutputDir: filepath.Join("shipcover-data", "recon"), RunHour: 2, StaleAfter: 10 * time.Minute},
	}
}

// FromEnv loads the file named by SHIPCOVER_CONFIG, if any, then applies
// SHIPCOVER_* overrides and validates the result.
func FromEnv() (*Config, error) {
	return Load(strings.TrimSpace(os.Getenv("SHIPCOVER_CONFIG")))
}

// Load reads an optional YAML or TOML file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "config file %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode toml: %w", err)
		}
		return nil
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode yaml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Port, "SHIPCOVER_PORT")
	cfg.Port = normalizePort(cfg.Port)
	setString(&cfg.Environment, "SHIPCOVER_ENV")
	setString(&cfg.DatabaseURL, "SHIPCOVER_DB_URL")
	setString(&cfg.Log.Level, "SHIPCOVER_LOG_LEVEL")
	setString(&cfg.Log.File, "SHIPCOVER_LOG_FILE")

	setString(&cfg.Ledger.NodeURL, "SHIPCOVER_XRPL_NODE_URL")
	setString(&cfg.Escrow.CustodianSeed, "SHIPCOVER_CUSTODIAN_SEED")
	setString(&cfg.Escrow.CustodianSeedFile, "SHIPCOVER_CUSTODIAN_SEED_FILE")
	setString(&cfg.Escrow.Preimage, "SHIPCOVER_ESCROW_PREIMAGE")

	setString(&cfg.Auth.Alg, "SHIPCOVER_JWT_ALG")
	setString(&cfg.Auth.Issuer, "SHIPCOVER_JWT_ISSUER")
	setString(&cfg.Auth.HSSecret, "SHIPCOVER_JWT_SECRET")
	setString(&cfg.Auth.RSAPublicKeyFile, "SHIPCOVER_JWT_RSA_PUBLIC_KEY_FILE")
	if aud := parseCSVEnv("SHIPCOVER_JWT_AUDIENCE"); len(aud) > 0 {
		cfg.Auth.Audience = aud
	}

	setString(&cfg.Recon.OutputDir, "SHIPCOVER_RECON_OUTPUT_DIR")
	setString(&cfg.Telemetry.Endpoint, "SHIPCOVER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Headers, "SHIPCOVER_OTLP_HEADERS")

	var err error
	durations := map[string]*time.Duration{
		"SHIPCOVER_FINISH_DELAY":       &cfg.Escrow.Window.FinishDelay,
		"SHIPCOVER_CANCEL_DELAY":       &cfg.Escrow.Window.CancelDelay,
		"SHIPCOVER_MIN_FINISH_WINDOW":  &cfg.Escrow.Window.MinimumGap,
		"SHIPCOVER_XRPL_TIMEOUT":       &cfg.Ledger.Timeout,
		"SHIPCOVER_XRPL_WAIT_BUDGET":   &cfg.Ledger.WaitBudget,
		"SHIPCOVER_XRPL_POLL_INTERVAL": &cfg.Ledger.PollInterval,
	}
	for key, dst := range durations {
		if err = setDuration(dst, key); err != nil {
			return err
		}
	}
	ints := map[string]*int{
		"SHIPCOVER_RATE_LIMIT_BURST": &cfg.RateLimit.Burst,
		"SHIPCOVER_RECON_RUN_HOUR":   &cfg.Recon.RunHour,
		"SHIPCOVER_RECON_RUN_MINUTE": &cfg.Recon.RunMinute,
	}
	for key, dst := range ints {
		if err = setInt(dst, key); err != nil {
			return err
		}
	}
	if err = setFloat(&cfg.RateLimit.RequestsPerMinute, "SHIPCOVER_RATE_LIMIT_PER_MINUTE"); err != nil {
		return err
	}
	if err = setFloat(&cfg.Telemetry.SampleRatio, "SHIPCOVER_OTLP_SAMPLE_RATIO"); err != nil {
		return err
	}
	if value := strings.TrimSpace(os.Getenv("SHIPCOVER_MAX_FEE_DROPS")); value != "" {
		parsed, perr := strconv.ParseUint(value, 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid SHIPCOVER_MAX_FEE_DROPS %q", value)
		}
		cfg.Ledger.MaxFeeDrops = parsed
	}
	cfg.Recon.DryRun = parseBoolEnv("SHIPCOVER_RECON_DRY_RUN", cfg.Recon.DryRun)
	cfg.Telemetry.Insecure = parseBoolEnv("SHIPCOVER_OTLP_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.Traces = parseBoolEnv("SHIPCOVER_OTLP_TRACES", cfg.Telemetry.Traces)
	cfg.Telemetry.Metrics = parseBoolEnv("SHIPCOVER_OTLP_METRICS", cfg.Telemetry.Metrics)
	return nil
}

// Validate checks everything the service needs before it touches the ledger.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fault.New(fault.KindConfiguration, "SHIPCOVER_DB_URL is required")
	}
	if strings.TrimSpace(c.Ledger.NodeURL) == "" {
		return fault.New(fault.KindConfiguration, "ledger node url is required")
	}
	if c.Escrow.CustodianSeed == "" && c.Escrow.CustodianSeedFile == "" {
		return fault.New(fault.KindConfiguration, "custodian seed or seed file is required")
	}
	if c.Escrow.CustodianSeed != "" {
		if _, err := crypto.DecodeSeed(c.Escrow.CustodianSeed); err != nil {
			return fault.Wrap(fault.KindConfiguration, err, "custodian seed")
		}
	}
	if _, err := condition.NewGenerator([]byte(c.Escrow.Preimage)); err != nil {
		return err
	}
	if err := c.Escrow.Window.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" || len(c.Auth.Audience) == 0 {
		return fault.New(fault.KindConfiguration, "JWT issuer and audience are required")
	}
	switch strings.ToUpper(c.Auth.Alg) {
	case "", "HS256":
		if c.Auth.HSSecret == "" {
			return fault.New(fault.KindConfiguration, "SHIPCOVER_JWT_SECRET is required for HS256")
		}
	case "RS256":
		if c.Auth.RSAPublicKeyFile == "" {
			return fault.New(fault.KindConfiguration, "RSA public key file is required for RS256")
		}
	default:
		return fault.New(fault.KindConfiguration, "unsupported JWT algorithm %q", c.Auth.Alg)
	}
	if c.Recon.RunHour < 0 || c.Recon.RunHour > 23 || c.Recon.RunMinute < 0 || c.Recon.RunMinute > 59 {
		return fault.New(fault.KindConfiguration, "recon run time %02d:%02d is invalid", c.Recon.RunHour, c.Recon.RunMinute)
	}
	return nil
}

// ResolveCustodianSeed returns the inline seed or reads the seed file.
func (c *Config) ResolveCustodianSeed() (string, error) {
	if c.Escrow.CustodianSeed != "" {
		return c.Escrow.CustodianSeed, nil
	}
	seed, err := crypto.LoadSeedFile(c.Escrow.CustodianSeedFile)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "custodian seed file")
	}
	return seed, nil
}

// OTel translates the telemetry section into exporter settings.
func (c *Config) OTel(service string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: c.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Traces:      c.Telemetry.Traces,
		Metrics:     c.Telemetry.Metrics,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	*dst = parsed
	return nil
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q", key, value)
	}
	*dst = parsed
	return nil
}

func setFloat(dst *float64, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q", key, value)
	}
	*dst = parsed
	return nil
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	return strings.TrimPrefix(port, ":")
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
