// Package store is the durable half of the queue: row-typed persistence of
// tasks, runs, logs, dead-letter entries, workers and signals on Postgres,
// with FOR UPDATE SKIP LOCKED claim semantics on the cold path and an
// advisory lock for scheduler leader election.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/task"
)

// Store wraps a pgx connection pool. All mutations are row-scoped; the only
// table-wide lock in the system is the scheduler election advisory lock.
type Store struct {
	pool       *pgxpool.Pool
	partitions int
	backoff    task.BackoffPolicy
}

// New connects to Postgres and returns a Store. Migrations are not applied
// here; call Migrate before starting any component.
func New(ctx context.Context, cfg *config.PostgresConfig, partitions int, backoff task.BackoffPolicy) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info().
		Int32("max_conns", cfg.MaxConns).
		Msg("connected to postgres")

	return &Store{pool: pool, partitions: partitions, backoff: backoff}, nil
}

// Pool exposes the underlying pool for callers outside the store (the
// admin health check pings it).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Partitions returns the configured leaf partition count.
func (s *Store) Partitions() int {
	return s.partitions
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
