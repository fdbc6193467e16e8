package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/catalog"
	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/journey"
)

// migrator is implemented by stores that own a schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// openStore connects the journey store selected by cfg.Driver. The returned
// closer releases the underlying connections and is never nil.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (journey.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory journey store, journeys are lost on restart")
		return journey.NewMemoryStore(), func() {}, nil

	case config.DriverSQLite:
		db, err := journey.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: %w", err)
		}
		logger.Info("using sqlite journey store", zap.String("path", cfg.Path))
		return journey.NewSQLiteStore(db), func() { db.Close() }, nil

	case config.DriverPostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("journey store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("journey store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journey store: ping: %w", err)
		}
		logger.Info("using postgres journey store")
		return journey.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported journey store driver: %q", cfg.Driver)
	}
}

// migrate applies the store schema when the store has one.
func migrate(ctx context.Context, store journey.Store) (bool, error) {
	m, ok := store.(migrator)
	if !ok {
		return false, nil
	}
	if err := m.Migrate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// buildRegistry registers the built-in catalog.
func buildRegistry(cfg config.CatalogConfig, logger *zap.Logger) (*definition.Registry, error) {
	types, err := catalog.JourneyTypes(cfg, catalog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return definition.NewRegistry(types...)
}

// openClaimClient connects the Redis client backing the cluster-wide claim.
func openClaimClient(ctx context.Context, cfg config.ClaimConfig) (*redis.Client, error) {
	addr := cfg.Addr()
	if addr == "" {
		return nil, fmt.Errorf("claim store: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("claim store: ping: %w", err)
	}
	return client, nil
}

// redisHealth adapts a Redis client to the readiness check.
type redisHealth struct {
	client redis.Cmdable
}

func (h redisHealth) HealthCheck(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
