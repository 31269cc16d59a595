package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/task"
)

const dlqColumns = `id, task_id, queue_name, name, input, error_message,
	attempt_count, metadata, created_at`

func scanDeadLetter(row rowScanner) (*task.DeadLetterEntry, error) {
	var e task.DeadLetterEntry
	err := row.Scan(
		&e.ID, &e.TaskID, &e.QueueName, &e.Name, &e.Input, &e.ErrorMessage,
		&e.AttemptCount, &e.Metadata, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListDeadLetters returns dead-letter snapshots, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*task.DeadLetterEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*task.DeadLetterEntry
	err := withRetry(ctx, "list_dead_letters", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+dlqColumns+` FROM dead_letter_queue
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`,
			limit, offset,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			e, err := scanDeadLetter(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// RetryDeadLetter resurrects a dead-lettered task: the snapshot row is
// removed, the retry budget reset, and the task returned to PENDING so it
// flows through dispatch again. The summary is returned for an immediate
// offer to matching.
func (s *Store) RetryDeadLetter(ctx context.Context, taskID string) (*task.Summary, error) {
	var out *task.Summary
	err := withRetry(ctx, "retry_dead_letter", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusDeadLetter {
			return ErrConflict
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM dead_letter_queue WHERE task_id = $1`, taskID,
		); err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'pending', attempt_count = 0,
				error_message = NULL, scheduled_at = NULL, updated_at = $2
			WHERE id = $1`,
			taskID, now,
		); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		t.Status = task.StatusPending
		t.AttemptCount = 0
		logTransition(t, task.StatusDeadLetter)
		sum := t.Summary()
		out = &sum
		return nil
	})
	return out, err
}

// ClearDeadLetters removes every dead-letter snapshot and returns the count.
// The tasks themselves remain DEAD_LETTER.
func (s *Store) ClearDeadLetters(ctx context.Context) (int64, error) {
	var cleared int64
	err := withRetry(ctx, "clear_dead_letters", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue`)
		if err != nil {
			return err
		}
		cleared = tag.RowsAffected()
		return nil
	})
	return cleared, err
}
