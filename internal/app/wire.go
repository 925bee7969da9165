package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/pitchmarket/internal/blob/s3"
	"github.com/alanyoungcy/pitchmarket/internal/cache/redis"
	"github.com/alanyoungcy/pitchmarket/internal/config"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/service"
	"github.com/alanyoungcy/pitchmarket/internal/store/memory"
	"github.com/alanyoungcy/pitchmarket/internal/store/postgres"
)

// Dependencies bundles the store, adapters and services the operator
// commands run on. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Store  domain.Store
	Events domain.EventPublisher

	// Optional adapters; nil when their backend is disabled.
	Postgres *postgres.Client
	Bus      *redis.EventBus
	Locks    domain.LockManager
	Depth    domain.DepthCache
	Archiver domain.Archiver

	Markets    *service.MarketService
	Book       *service.OrderBook
	Pool       *service.LiquidityPool
	Settlement *service.SettlementEngine
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Events: domain.NopPublisher{}}

	// --- Store ---
	switch cfg.Postgres.Driver {
	case "memory":
		deps.Store = memory.New()
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			ApplicationName: "pitchmarket",
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
			}
		}
		deps.Postgres = pgClient
		deps.Store = pgClient.Store()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewEventBus(redisClient)
		deps.Events = deps.Bus
		deps.Locks = redis.NewLockManager(redisClient, logger)
		deps.Depth = redis.NewDepthCache(redisClient, cfg.Redis.DepthTTL.Duration)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "archive bucket not reachable", slog.String("error", err.Error()))
		}
		objects := s3blob.NewObjects(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			objects,
			objects,
			deps.Store,
			logger.With(slog.String("component", "archiver")),
		)
	}

	wireServices(deps, cfg, logger)
	return deps, cleanup, nil
}

// wireServices builds the exchange services over deps.Store and registers the
// order book and settlement engine as lifecycle hooks.
func wireServices(deps *Dependencies, cfg *config.Config, logger *slog.Logger) {
	deps.Book = service.NewOrderBook(deps.Store, deps.Events, logger)
	if deps.Depth != nil {
		deps.Book.WithDepthCache(deps.Depth)
	}
	deps.Pool = service.NewLiquidityPool(deps.Store, deps.Events, cfg.Liquidity.DustEpsilon, logger)
	deps.Settlement = service.NewSettlementEngine(deps.Store, deps.Events, logger)
	deps.Markets = service.NewMarketService(deps.Store, cfg.DomainCategories(), deps.Events, logger).
		WithCloseHook(deps.Book).
		WithResolveHook(deps.Settlement).
		WithResolveHook(deps.Book)
}
