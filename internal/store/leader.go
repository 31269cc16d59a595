package store

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iwhitebird/valka/internal/logger"
)

// Leadership is a held scheduler-election lock: a session-scoped Postgres
// advisory lock pinned to a dedicated connection. If the connection drops
// for any reason, Postgres releases the lock and a replacement leader can
// win it on the next attempt, giving leadership loss-on-disconnect for
// free.
type Leadership struct {
	conn *pgxpool.Conn
	key  int64
}

// lockKey derives the advisory lock key from the configured lock name.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAcquireLeadership attempts to win the named election lock without
// blocking. On success the returned Leadership holds a dedicated pooled
// connection until Release.
func (s *Store) TryAcquireLeadership(ctx context.Context, name string) (*Leadership, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := lockKey(name)
	var won bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&won); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !won {
		conn.Release()
		return nil, false, nil
	}

	log := logger.WithComponent("scheduler")
	log.Info().
		Str("lock", name).
		Msg("acquired scheduler leadership")
	return &Leadership{conn: conn, key: key}, true, nil
}

// Ping verifies the lock-holding connection is still alive. An error means
// leadership is lost: the advisory lock died with the session.
func (l *Leadership) Ping(ctx context.Context) error {
	if err := l.conn.Conn().Ping(ctx); err != nil {
		return ErrLeadershipLost
	}
	return nil
}

// Release unlocks and returns the connection to the pool. Safe to call
// after the connection has already died.
func (l *Leadership) Release(ctx context.Context) {
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	if err != nil {
		log := logger.WithComponent("scheduler")
		log.Warn().
			Err(err).
			Msg("failed to release leadership lock, connection will be discarded")
	}
	l.conn.Release()
}
