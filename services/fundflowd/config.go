package fundflowd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"fundflow/native/wallet"
	"fundflow/services/fundflowd/store"
)

// Duration wraps time.Duration for YAML and TOML decoding.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Config captures the runtime configuration of fundflowd.
type Config struct {
	ListenAddress  string          `yaml:"listen" toml:"listen"`
	MetricsAddress string          `yaml:"metrics_listen" toml:"metrics_listen"`
	Environment    string          `yaml:"environment" toml:"environment"`
	SessionTTL     Duration        `yaml:"session_ttl" toml:"session_ttl"`
	Ledger         LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Store          StoreConfig     `yaml:"store" toml:"store"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	Escrow         EscrowConfig    `yaml:"escrow" toml:"escrow"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging        LoggingConfig   `yaml:"logging" toml:"logging"`
}

// LedgerConfig points at the escrow ledger JSON-RPC endpoint.
type LedgerConfig struct {
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	AuthToken     string   `yaml:"auth_token" toml:"auth_token"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig configures bearer token verification for the operator API.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// EscrowConfig holds deployment parameters shared by every campaign.
type EscrowConfig struct {
	PlatformFeePercent float64 `yaml:"platform_fee_percent" toml:"platform_fee_percent"`
	TrustlineAddress   string  `yaml:"trustline_address" toml:"trustline_address"`
	Currency           string  `yaml:"currency" toml:"currency"`
}

// RateLimitConfig bounds API requests per operator.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig controls log level and the optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LoadConfig reads configuration from path. Files ending in .toml are
// decoded as TOML, everything else as YAML. FUNDFLOW_* environment
// variables override file values.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("FUNDFLOW_LISTEN", &cfg.ListenAddress)
	setString("FUNDFLOW_METRICS_LISTEN", &cfg.MetricsAddress)
	setString("FUNDFLOW_ENV", &cfg.Environment)
	setString("FUNDFLOW_LEDGER_ENDPOINT", &cfg.Ledger.Endpoint)
	setString("FUNDFLOW_LEDGER_TOKEN", &cfg.Ledger.AuthToken)
	setString("FUNDFLOW_STORE_DRIVER", &cfg.Store.Driver)
	setString("FUNDFLOW_STORE_DSN", &cfg.Store.DSN)
	setString("FUNDFLOW_JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("FUNDFLOW_LOG_LEVEL", &cfg.Logging.Level)
	setString("FUNDFLOW_LOG_FILE", &cfg.Logging.File)
	if raw := strings.TrimSpace(os.Getenv("FUNDFLOW_LEDGER_TIMEOUT")); raw != "" {
		if err := cfg.Ledger.Timeout.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("parse FUNDFLOW_LEDGER_TIMEOUT: %w", err)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FUNDFLOW_PLATFORM_FEE")); raw != "" {
		fee, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse FUNDFLOW_PLATFORM_FEE: %w", err)
		}
		cfg.Escrow.PlatformFeePercent = fee
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":9090"
	}
	if cfg.SessionTTL.Duration == 0 {
		cfg.SessionTTL.Duration = 2 * time.Hour
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 15 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = store.DriverSQLite
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == store.DriverSQLite {
		cfg.Store.DSN = "file:fundflow.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Escrow.Currency == "" {
		cfg.Escrow.Currency = "USDC"
	}
}

func (a *AuthConfig) normalise() error {
	if a.JWTSecret != "" || a.JWTSecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(a.JWTSecretFile)
	if err != nil {
		return fmt.Errorf("read jwt secret: %w", err)
	}
	a.JWTSecret = strings.TrimSpace(string(data))
	return nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Ledger.Endpoint) == "" {
		errs = append(errs, errors.New("ledger endpoint must be configured"))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth jwt_secret must be at least 32 bytes"))
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store driver %q is not supported", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store dsn must be configured"))
	}
	if c.Escrow.PlatformFeePercent < 0 || c.Escrow.PlatformFeePercent > 100 {
		errs = append(errs, errors.New("escrow platform_fee_percent must be within [0, 100]"))
	}
	if addr := c.Escrow.TrustlineAddress; addr != "" && !wallet.ValidAddress(wallet.Normalize(addr)) {
		errs = append(errs, errors.New("escrow trustline_address is not a valid ledger address"))
	}
	if c.Ledger.RatePerSecond < 0 || c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	return errors.Join(errs...)
}
