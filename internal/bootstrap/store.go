// Package bootstrap wires a goal store and domain service from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fractalgoals/internal/cache"
	"example.com/fractalgoals/internal/config"
	"example.com/fractalgoals/internal/domain"
	"example.com/fractalgoals/internal/goals"
	"example.com/fractalgoals/internal/persistence/memory"
	"example.com/fractalgoals/internal/persistence/postgres"
	"example.com/fractalgoals/internal/persistence/sqlite"
)

type storeBackend interface {
	domain.SnapshotProvider
	domain.GoalRepository
	domain.SessionRepository
}

// Backend bundles the opened store with the resources that must be released.
// Pool is set only for the postgres driver, which is the only one with an outbox.
type Backend struct {
	Store storeBackend
	Pool  *pgxpool.Pool
	close func()
}

// Close releases the backend's connections.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// OpenStore opens the store selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Backend{Store: postgres.NewRepository(pool), Pool: pool, close: pool.Close}, nil
	case config.DriverSQLite:
		db, err := sqlite.NewDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		return &Backend{Store: sqlite.NewStore(db), close: func() { _ = sqlDB.Close() }}, nil
	case config.DriverMemory:
		return &Backend{Store: memory.NewStore()}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// NewService builds the domain service over backend, invalidating the edge
// cache when CACHE_INVALIDATION_URL is set.
func NewService(cfg config.Config, backend *Backend, logger *log.Logger) (*domain.Service, error) {
	levels, err := goals.DefaultLevels()
	if err != nil {
		return nil, err
	}
	var invalidator cache.Invalidator = cache.NoopInvalidator{}
	if cfg.CacheInvalidationURL != "" {
		invalidator = cache.NewHTTPInvalidator(cfg.CacheInvalidationURL, cfg.CacheInvalidationToken, cfg.HTTPTimeout)
	}
	return domain.NewService(backend.Store, backend.Store, backend.Store, levels,
		domain.WithInvalidator(invalidator),
		domain.WithLogger(logger),
	), nil
}
