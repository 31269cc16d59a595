package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/task"
)

const runColumns = `id, task_id, attempt_number, worker_id, assigned_node_id,
	lease_expires_at, last_heartbeat, status, output, error_message,
	created_at, updated_at`

func scanRun(row rowScanner) (*task.TaskRun, error) {
	var r task.TaskRun
	var status string
	err := row.Scan(
		&r.ID, &r.TaskID, &r.AttemptNumber, &r.WorkerID, &r.AssignedNodeID,
		&r.LeaseExpiresAt, &r.LastHeartbeat, &status, &r.Output,
		&r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = task.ParseRunStatus(status)
	return &r, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*task.TaskRun, error) {
	var out *task.TaskRun
	err := withRetry(ctx, "get_run", func(ctx context.Context) error {
		r, err := scanRun(s.pool.QueryRow(ctx,
			`SELECT `+runColumns+` FROM task_runs WHERE id = $1`, id))
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// ListRuns returns a task's attempt history, oldest first.
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*task.TaskRun, error) {
	var out []*task.TaskRun
	err := withRetry(ctx, "list_runs", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+runColumns+` FROM task_runs WHERE task_id = $1 ORDER BY attempt_number ASC`,
			taskID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// ExtendLeases bumps last_heartbeat and pushes lease_expires_at forward for
// the worker's listed active tasks. Leases only ever move forward, hence
// the GREATEST. Returns the task ids whose run the worker still holds, so
// the dispatcher can cancel the rest.
func (s *Store) ExtendLeases(ctx context.Context, workerID string, taskIDs []string, lease time.Duration) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	var held []string
	err := withRetry(ctx, "extend_leases", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			UPDATE task_runs
			SET last_heartbeat = now(),
				lease_expires_at = GREATEST(lease_expires_at, now() + make_interval(secs => $3)),
				updated_at = now()
			WHERE worker_id = $1 AND task_id = ANY($2) AND status = 'running'
			RETURNING task_id`,
			workerID, taskIDs, lease.Seconds(),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		held = held[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			held = append(held, id)
		}
		return rows.Err()
	})
	return held, err
}
