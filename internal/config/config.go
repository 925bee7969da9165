// Package config defines the exchange configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PITCHMARKET_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Liquidity  LiquidityConfig  `toml:"liquidity"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Categories []CategoryConfig `toml:"categories"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig selects the store and holds PostgreSQL connection
// parameters. Driver "memory" keeps all state in process.
type PostgresConfig struct {
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, events are
// discarded and depth is never cached.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	DepthTTL   duration `toml:"depth_ttl"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LiquidityConfig tunes the LP share ledger.
type LiquidityConfig struct {
	// DustEpsilon is the balance below which a provider's row is deleted
	// after a withdrawal.
	DustEpsilon decimal.Decimal `toml:"dust_epsilon"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// CategoryConfig is one market template.
type CategoryConfig struct {
	ID        string          `toml:"id"`
	Outcomes  []string        `toml:"outcomes"`
	Liquidity decimal.Decimal `toml:"liquidity"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5s", "2m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Driver:        "postgres",
			Host:          "localhost",
			Port:          5432,
			Database:      "pitchmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "pitchmarket",
			DepthTTL:   duration{5 * time.Second},
			LockTTL:    duration{2 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pitchmarket-archive",
			ForcePathStyle: true,
		},
		Liquidity: LiquidityConfig{
			DustEpsilon: decimal.New(1, -9),
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Categories: []CategoryConfig{
			{ID: "pitch", Outcomes: []string{"BALL", "STRIKE"}, Liquidity: decimal.NewFromInt(100)},
			{ID: "swing", Outcomes: []string{"SWING", "TAKE"}, Liquidity: decimal.NewFromInt(100)},
			{ID: "plate", Outcomes: []string{"HIT", "OUT", "WALK"}, Liquidity: decimal.NewFromInt(150)},
		},
		LogLevel: "info",
	}
}

var validDrivers = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validDrivers[c.Postgres.Driver] {
		errs = append(errs, fmt.Sprintf("postgres: unknown driver %q (valid: postgres, memory)", c.Postgres.Driver))
	}
	if c.Postgres.Driver == "postgres" {
		if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
			errs = append(errs, "postgres: dsn or host and database must be set")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns && c.Postgres.PoolMaxConns > 0 {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must be set when enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must be set when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must be set when enabled")
		}
	}

	if c.Liquidity.DustEpsilon.IsNegative() {
		errs = append(errs, "liquidity: dust_epsilon must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must be set when enabled")
	}

	if len(c.Categories) == 0 {
		errs = append(errs, "categories: at least one category is required")
	}
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		name := cat.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Sprintf("categories[%d]: id must be set", i))
		} else if strings.Contains(cat.ID, ":") {
			errs = append(errs, fmt.Sprintf("category %s: id must not contain ':'", name))
		}
		if seen[cat.ID] {
			errs = append(errs, fmt.Sprintf("category %s: duplicate id", name))
		}
		seen[cat.ID] = true
		if len(cat.Outcomes) < 2 {
			errs = append(errs, fmt.Sprintf("category %s: needs at least two outcomes", name))
		}
		outcomes := make(map[string]bool, len(cat.Outcomes))
		for _, o := range cat.Outcomes {
			if o == "" || outcomes[o] {
				errs = append(errs, fmt.Sprintf("category %s: outcomes must be unique and non-empty", name))
				break
			}
			outcomes[o] = true
		}
		if !cat.Liquidity.IsPositive() {
			errs = append(errs, fmt.Sprintf("category %s: liquidity must be positive", name))
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// DomainCategories converts the configured templates for the market service.
func (c *Config) DomainCategories() []domain.Category {
	out := make([]domain.Category, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, domain.Category{
			ID:        cat.ID,
			Outcomes:  append([]string(nil), cat.Outcomes...),
			Liquidity: cat.Liquidity,
		})
	}
	return out
}
