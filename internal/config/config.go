// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"` // rotated copy of the log stream (optional)

	// Storage: Postgres when DatabaseURL is set, else bolt when BoltPath is
	// set, else in-memory.
	DatabaseURL string `env:"DATABASE_URL"`
	BoltPath    string `env:"BOLT_PATH"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Security
	JWTSecret      string   `env:"JWT_SECRET"`
	JWTIssuer      string   `env:"JWT_ISSUER" envDefault:"fortiescrow"`
	RateLimitRPM   int      `env:"RATE_LIMIT_RPM" envDefault:"600"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"50"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","` // empty allows any origin
	AdminSecret    string   `env:"ADMIN_SECRET"`                  // required for admin routes outside development

	// Escrow bounds
	MinTimeout time.Duration `env:"ESCROW_MIN_TIMEOUT" envDefault:"1h"`
	MaxTimeout time.Duration `env:"ESCROW_MAX_TIMEOUT" envDefault:"8760h"`
	MaxAmount  string        `env:"ESCROW_MAX_AMOUNT"` // base units; empty means unlimited

	// Background jobs
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatch        int           `env:"SWEEP_BATCH" envDefault:"100"`
	KeeperAddress     string        `env:"KEEPER_ADDRESS" envDefault:"0x000000000000000000000000000000000000dead"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and the settings required outside development.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.MinTimeout <= 0 {
		errs = append(errs, errors.New("ESCROW_MIN_TIMEOUT must be positive"))
	}
	if c.MaxTimeout < c.MinTimeout {
		errs = append(errs, errors.New("ESCROW_MAX_TIMEOUT must not be below ESCROW_MIN_TIMEOUT"))
	}
	if c.MaxAmount != "" {
		if _, err := uint256.FromDecimal(c.MaxAmount); err != nil {
			errs = append(errs, fmt.Errorf("ESCROW_MAX_AMOUNT must be a base-unit integer: %w", err))
		}
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH must be positive"))
	}
	if !validation.IsValidAddress(c.KeeperAddress) {
		errs = append(errs, errors.New("KEEPER_ADDRESS must be a valid address"))
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive"))
	}

	return errors.Join(errs...)
}

// EscrowLimits returns the constructor bounds for the engine.
func (c *Config) EscrowLimits() escrow.Limits {
	limits := escrow.Limits{MinTimeout: c.MinTimeout, MaxTimeout: c.MaxTimeout}
	if c.MaxAmount != "" {
		if v, err := uint256.FromDecimal(c.MaxAmount); err == nil {
			limits.MaxAmount = *v
		}
	}
	return limits
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
