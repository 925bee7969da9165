package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PITCHMARKET_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// A [[categories]] array replaces the default catalog rather than
		// merging into it entry by entry.
		defaults := cfg.Categories
		cfg.Categories = nil
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if !md.IsDefined("categories") {
			cfg.Categories = defaults
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PITCHMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.Driver, "PITCHMARKET_POSTGRES_DRIVER")
	setStr(&cfg.Postgres.DSN, "PITCHMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "PITCHMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PITCHMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PITCHMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PITCHMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PITCHMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PITCHMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PITCHMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PITCHMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PITCHMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PITCHMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PITCHMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PITCHMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PITCHMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PITCHMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PITCHMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PITCHMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PITCHMARKET_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.DepthTTL, "PITCHMARKET_REDIS_DEPTH_TTL")
	setDuration(&cfg.Redis.LockTTL, "PITCHMARKET_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PITCHMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PITCHMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PITCHMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "PITCHMARKET_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PITCHMARKET_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PITCHMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PITCHMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PITCHMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PITCHMARKET_S3_FORCE_PATH_STYLE")

	// ── Liquidity ──
	setDecimal(&cfg.Liquidity.DustEpsilon, "PITCHMARKET_LIQUIDITY_DUST_EPSILON")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "PITCHMARKET_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "PITCHMARKET_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PITCHMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
