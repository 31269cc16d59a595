package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/partition"
	"github.com/iwhitebird/valka/internal/task"
)

const taskColumns = `id, queue_name, partition_id, name, input, metadata, priority,
	max_retries, attempt_count, timeout_seconds, idempotency_key, status,
	output, error_message, scheduled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	err := row.Scan(
		&t.ID, &t.QueueName, &t.PartitionID, &t.Name, &t.Input, &t.Metadata,
		&t.Priority, &t.MaxRetries, &t.AttemptCount, &t.TimeoutSeconds,
		&t.IdempotencyKey, &status, &t.Output, &t.ErrorMessage,
		&t.ScheduledAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = task.ParseStatus(status)
	return &t, nil
}

// CreateTask inserts a task, deriving its partition from the queue name. If
// the request carries an idempotency key that already exists, the original
// task is returned unchanged and created is false.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, bool, error) {
	if strings.TrimSpace(req.QueueName) == "" {
		return nil, false, ErrInvalidQueueName
	}

	t := task.New(req)
	t.PartitionID = partition.Hash(t.QueueName, s.partitions)

	var out *task.Task
	created := false
	err := withRetry(ctx, "create_task", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING `+taskColumns,
			t.ID, t.QueueName, t.PartitionID, t.Name, t.Input, t.Metadata,
			t.Priority, t.MaxRetries, t.AttemptCount, t.TimeoutSeconds,
			t.IdempotencyKey, t.Status.String(), t.Output, t.ErrorMessage,
			t.ScheduledAt, t.CreatedAt, t.UpdatedAt,
		)
		inserted, err := scanTask(row)
		if err == nil {
			out, created = inserted, true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// Conflict on the idempotency key: hand back the original row.
		existing, err := scanTask(s.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = $1`,
			t.IdempotencyKey,
		))
		if err != nil {
			return err
		}
		out, created = existing, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var out *task.Task
	err := withRetry(ctx, "get_task", func(ctx context.Context) error {
		t, err := scanTask(s.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// ListTasksFilter narrows a task listing.
type ListTasksFilter struct {
	Queue  string
	Status *task.Status
	Limit  int
	Offset int
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f ListTasksFilter) ([]*task.Task, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.Queue != "" {
		args = append(args, f.Queue)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, f.Status.String())
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var out []*task.Task
	err := withRetry(ctx, "list_tasks", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// ClaimPending is the cold-path claim: it locks up to limit due
// PENDING rows in (queues, partitionID) with SKIP LOCKED, ordered priority
// descending then created ascending, and hands each summary to offer. The
// rows are never status-changed here; the transaction only holds their row
// locks and is rolled back at the end, so the dispatcher performs the
// PENDING -> DISPATCHING transition itself. offer returning false ends the
// batch early (the matching engine has nowhere to put more work).
func (s *Store) ClaimPending(ctx context.Context, queues []string, partitionID int32, limit int, offer func(task.Summary) bool) (int, error) {
	offered := 0
	err := withRetry(ctx, "claim_pending", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT id, queue_name, partition_id, priority, created_at
			FROM tasks
			WHERE queue_name = ANY($1)
			  AND partition_id = $2
			  AND status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= now())
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			queues, partitionID, limit,
		)
		if err != nil {
			return err
		}

		var claimed []task.Summary
		for rows.Next() {
			var sum task.Summary
			if err := rows.Scan(&sum.TaskID, &sum.QueueName, &sum.PartitionID, &sum.Priority, &sum.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, sum)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		offered = 0
		for _, sum := range claimed {
			if !offer(sum) {
				break
			}
			offered++
		}
		return nil
	})
	return offered, err
}

func logTransition(t *task.Task, prev task.Status) {
	log := logger.WithTask(t.ID)
	log.Info().
		Str("queue", t.QueueName).
		Str("from", prev.String()).
		Str("to", t.Status.String()).
		Msg("task state transition")
}
