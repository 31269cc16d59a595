package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/task"
)

const workerColumns = `id, name, node_id, queues, concurrency, status,
	last_heartbeat, connected_at, disconnected_at`

func scanWorker(row rowScanner) (*task.Worker, error) {
	var w task.Worker
	var status string
	err := row.Scan(
		&w.ID, &w.Name, &w.NodeID, &w.Queues, &w.Concurrency, &status,
		&w.LastHeartbeat, &w.ConnectedAt, &w.DisconnectedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Status = task.ParseWorkerStatus(status)
	return &w, nil
}

// UpsertWorker registers a worker session. A reconnecting worker reuses its
// id; the row flips back to ACTIVE with fresh connection timestamps.
func (s *Store) UpsertWorker(ctx context.Context, w *task.Worker) error {
	return withRetry(ctx, "upsert_worker", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO workers (`+workerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				node_id = EXCLUDED.node_id,
				queues = EXCLUDED.queues,
				concurrency = EXCLUDED.concurrency,
				status = EXCLUDED.status,
				last_heartbeat = EXCLUDED.last_heartbeat,
				connected_at = EXCLUDED.connected_at,
				disconnected_at = NULL`,
			w.ID, w.Name, w.NodeID, w.Queues, w.Concurrency, w.Status.String(),
			w.LastHeartbeat, w.ConnectedAt, w.DisconnectedAt,
		)
		return err
	})
}

// SetWorkerStatus records a session lifecycle change. Disconnection stamps
// disconnected_at; the row is retained for observability.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status task.WorkerStatus) error {
	return withRetry(ctx, "set_worker_status", func(ctx context.Context) error {
		if status == task.WorkerStatusDisconnected {
			_, err := s.pool.Exec(ctx,
				`UPDATE workers SET status = $2, disconnected_at = $3 WHERE id = $1`,
				workerID, status.String(), time.Now().UTC(),
			)
			return err
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE workers SET status = $2 WHERE id = $1`,
			workerID, status.String(),
		)
		return err
	})
}

// TouchWorker bumps a worker's last_heartbeat.
func (s *Store) TouchWorker(ctx context.Context, workerID string) error {
	return withRetry(ctx, "touch_worker", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE workers SET last_heartbeat = now() WHERE id = $1`, workerID)
		return err
	})
}

// GetWorker fetches a worker registration by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*task.Worker, error) {
	var out *task.Worker
	err := withRetry(ctx, "get_worker", func(ctx context.Context) error {
		w, err := scanWorker(s.pool.QueryRow(ctx,
			`SELECT `+workerColumns+` FROM workers WHERE id = $1`, workerID))
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// ListWorkers returns all worker registrations, most recently connected
// first.
func (s *Store) ListWorkers(ctx context.Context) ([]*task.Worker, error) {
	var out []*task.Worker
	err := withRetry(ctx, "list_workers", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+workerColumns+` FROM workers ORDER BY connected_at DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	return out, err
}
