package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/task"
)

// lockTask reads a task row under FOR UPDATE so state transitions are
// totally ordered per task.
func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (*task.Task, error) {
	return scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
}

// saveTask persists the fields a StateMachine transition mutates. Every
// per-task transition in this file is driven through task.StateMachine on
// the locked row, so the machine is the single place the lifecycle rules
// live; the SQL below only records its outcome.
func saveTask(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, attempt_count = $3, output = $4,
			error_message = $5, scheduled_at = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, t.Status.String(), t.AttemptCount, t.Output,
		t.ErrorMessage, t.ScheduledAt, t.UpdatedAt,
	)
	return err
}

// confirmRunning bridges a DISPATCHING task to RUNNING when a result or
// lease expiry arrives before the first heartbeat did.
func confirmRunning(sm *task.StateMachine, t *task.Task) error {
	if t.Status == task.StatusDispatching {
		return sm.Run()
	}
	return nil
}

// OpenRun atomically opens a new TaskRun for a PENDING task and moves it to
// DISPATCHING: the first half of the hot-path hand-off. The run's attempt
// number is one past the task's consumed retry budget. ErrConflict means
// the task was claimed, cancelled or completed elsewhere; the caller simply
// moves on.
func (s *Store) OpenRun(ctx context.Context, taskID, workerID, nodeID string, lease time.Duration) (*task.Task, *task.TaskRun, error) {
	var outTask *task.Task
	var outRun *task.TaskRun
	err := withRetry(ctx, "open_run", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		prev := t.Status
		sm := task.NewStateMachine(t)
		if err := sm.Dispatch(); err != nil {
			return ErrConflict
		}

		run := task.NewRun(t.ID, workerID, nodeID, t.AttemptCount+1, lease)
		_, err = tx.Exec(ctx, `
			INSERT INTO task_runs (id, task_id, attempt_number, worker_id, assigned_node_id,
				lease_expires_at, last_heartbeat, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, run.TaskID, run.AttemptNumber, run.WorkerID, run.AssignedNodeID,
			run.LeaseExpiresAt, run.LastHeartbeat, run.Status.String(),
			run.CreatedAt, run.UpdatedAt,
		)
		if err != nil {
			return err
		}

		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logTransition(t, prev)
		outTask, outRun = t, run
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outTask, outRun, nil
}

// RevertDispatch undoes an assignment that never reached the worker
// (outbound channel full): the run row is removed and the task goes
// back to PENDING as if the assignment had never happened.
func (s *Store) RevertDispatch(ctx context.Context, taskID, runID string) error {
	return withRetry(ctx, "revert_dispatch", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM task_runs WHERE id = $1`, runID); err != nil {
			return err
		}
		if t.Status == task.StatusDispatching {
			if err := task.NewStateMachine(t).RevertDispatch(); err != nil {
				return err
			}
			if err := saveTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// MarkRunning moves a DISPATCHING task to RUNNING once the worker's first
// heartbeat lists it. Returns false if the task is no longer dispatching.
func (s *Store) MarkRunning(ctx context.Context, taskID string) (*task.Task, bool, error) {
	var out *task.Task
	moved := false
	err := withRetry(ctx, "mark_running", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if errors.Is(err, ErrNotFound) {
			moved = false
			return nil
		}
		if err != nil {
			return err
		}
		if err := task.NewStateMachine(t).Run(); err != nil {
			moved = false
			return nil
		}
		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logTransition(t, task.StatusDispatching)
		out, moved = t, true
		return nil
	})
	return out, moved, err
}

// CompleteRun records a successful worker result: the run becomes SUCCEEDED
// and the task COMPLETED with its output. If the task was cancelled while
// running, the result's success flag is ignored and the run is recorded
// FAILED with reason "cancelled".
func (s *Store) CompleteRun(ctx context.Context, taskID, runID string, output []byte) (*task.Task, task.Status, error) {
	var out *task.Task
	var prev task.Status
	err := withRetry(ctx, "complete_run", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		prev = t.Status

		if t.Status == task.StatusCancelled {
			if _, err := tx.Exec(ctx, `
				UPDATE task_runs SET status = 'failed', error_message = 'cancelled', updated_at = $2
				WHERE id = $1 AND status = 'running'`,
				runID, now,
			); err != nil {
				return err
			}
			out = t
			return tx.Commit(ctx)
		}

		if t.Status != task.StatusRunning && t.Status != task.StatusDispatching {
			// Stale result for a task the scheduler already moved on; record
			// nothing beyond the run row if it is still open.
			out = t
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE task_runs SET status = 'succeeded', output = $2, error_message = NULL, updated_at = $3
			WHERE id = $1 AND status = 'running'`,
			runID, output, now,
		); err != nil {
			return err
		}

		sm := task.NewStateMachine(t)
		if err := confirmRunning(sm, t); err != nil {
			return err
		}
		if err := sm.Complete(output); err != nil {
			return err
		}
		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logTransition(t, prev)
		out = t
		return nil
	})
	if err != nil {
		return nil, prev, err
	}
	return out, prev, nil
}

// FailRun records a failed attempt. The run is marked with runStatus
// (FAILED for a worker result, LEASE_EXPIRED for the reaper). If the
// failure is retryable and the retry budget is not exhausted, one unit of
// budget is consumed and the task moves to RETRY with backoff applied;
// otherwise it becomes FAILED awaiting the dead-letter mover. A
// non-retryable failure is terminal regardless of remaining budget.
func (s *Store) FailRun(ctx context.Context, taskID, runID, errMsg string, retryable bool, runStatus task.RunStatus) (*task.Task, task.Status, error) {
	var out *task.Task
	var prev task.Status
	err := withRetry(ctx, "fail_run", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		prev = t.Status

		runErr := errMsg
		if t.Status == task.StatusCancelled {
			runErr = "cancelled"
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_runs SET status = $2, error_message = $3, updated_at = $4
			WHERE id = $1 AND status = 'running'`,
			runID, runStatus.String(), runErr, now,
		); err != nil {
			return err
		}

		if t.Status != task.StatusRunning && t.Status != task.StatusDispatching {
			out = t
			return tx.Commit(ctx)
		}

		sm := task.NewStateMachine(t)
		if err := confirmRunning(sm, t); err != nil {
			return err
		}
		if retryable {
			retryAt := now.Add(s.backoff.Delay(t.AttemptCount + 1))
			if err := sm.FailRetryable(errMsg, retryAt); err != nil {
				return err
			}
		} else {
			if err := sm.FailTerminal(errMsg); err != nil {
				return err
			}
		}
		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logTransition(t, prev)
		out = t
		return nil
	})
	if err != nil {
		return nil, prev, err
	}
	return out, prev, nil
}

// CancelTask moves a task to CANCELLED from PENDING, DISPATCHING, RUNNING
// or RETRY. A task that is already cancelled is returned unchanged, making
// cancellation idempotent in both effect and return value. Completed,
// failed and dead-lettered tasks cannot be cancelled.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*task.Task, task.Status, error) {
	var out *task.Task
	var prev task.Status
	err := withRetry(ctx, "cancel_task", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		t, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		prev = t.Status

		if t.Status == task.StatusCancelled {
			out = t
			return tx.Commit(ctx)
		}
		if err := task.NewStateMachine(t).Cancel(); err != nil {
			return ErrConflict
		}
		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logTransition(t, prev)
		out = t
		return nil
	})
	if err != nil {
		return nil, prev, err
	}
	return out, prev, nil
}

// PromoteDueRetries moves due RETRY tasks back to PENDING, clearing their
// scheduled_at, and returns their summaries so the caller can re-offer
// them. The promoters are the one bulk path that bypasses StateMachine:
// the WHERE clause is the transition guard, batch-wide.
func (s *Store) PromoteDueRetries(ctx context.Context, limit int) ([]task.Summary, error) {
	return s.promoteDue(ctx, "promote_retries", `
		UPDATE tasks SET status = 'pending', scheduled_at = NULL, updated_at = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'retry' AND scheduled_at <= now()
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue_name, partition_id, priority, created_at`, limit)
}

// PromoteDueDelayed surfaces PENDING tasks whose scheduled_at has arrived:
// the timestamp is cleared so the row reads as immediately offerable and
// the summaries are returned for an eager offer to matching.
func (s *Store) PromoteDueDelayed(ctx context.Context, limit int) ([]task.Summary, error) {
	return s.promoteDue(ctx, "promote_delayed", `
		UPDATE tasks SET scheduled_at = NULL, updated_at = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= now()
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue_name, partition_id, priority, created_at`, limit)
}

func (s *Store) promoteDue(ctx context.Context, op, query string, limit int) ([]task.Summary, error) {
	var out []task.Summary
	err := withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var sum task.Summary
			if err := rows.Scan(&sum.TaskID, &sum.QueueName, &sum.PartitionID, &sum.Priority, &sum.CreatedAt); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return rows.Err()
	})
	return out, err
}

// ReapedLease describes one run whose lease the reaper reclaimed.
type ReapedLease struct {
	RunID         string
	TaskID        string
	WorkerID      string
	AttemptNumber int32
	Queue         string
	PrevStatus    task.Status
	NewStatus     task.Status
}

// ReapExpiredLeases finds RUNNING runs past their lease_expires_at, marks
// them LEASE_EXPIRED, and applies the retryable-failure rules to their
// tasks. A run whose task is already terminal is reaped as a no-op on the
// task. Task rows are always locked before run rows so the reaper
// cannot deadlock against a dispatcher recording a result.
func (s *Store) ReapExpiredLeases(ctx context.Context, limit int) ([]ReapedLease, error) {
	var out []ReapedLease
	err := withRetry(ctx, "reap_leases", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT id, task_id, worker_id, attempt_number
			FROM task_runs
			WHERE status = 'running' AND lease_expires_at < now()
			ORDER BY lease_expires_at ASC
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return err
		}
		type candidate struct {
			runID, taskID, workerID string
			attempt                 int32
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.runID, &c.taskID, &c.workerID, &c.attempt); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		out = out[:0]
		now := time.Now().UTC()
		for _, c := range candidates {
			t, err := lockTask(ctx, tx, c.taskID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}

			// Recheck under the task lock: a heartbeat may have extended the
			// lease, or a result may have closed the run, since the scan.
			tag, err := tx.Exec(ctx, `
				UPDATE task_runs SET status = 'lease_expired', error_message = 'lease expired', updated_at = $2
				WHERE id = $1 AND status = 'running' AND lease_expires_at < now()`,
				c.runID, now,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				continue
			}

			reaped := ReapedLease{
				RunID:         c.runID,
				TaskID:        c.taskID,
				WorkerID:      c.workerID,
				AttemptNumber: c.attempt,
				Queue:         t.QueueName,
				PrevStatus:    t.Status,
				NewStatus:     t.Status,
			}

			if t.Status == task.StatusRunning || t.Status == task.StatusDispatching {
				sm := task.NewStateMachine(t)
				if err := confirmRunning(sm, t); err != nil {
					return err
				}
				retryAt := now.Add(s.backoff.Delay(t.AttemptCount + 1))
				if err := sm.FailRetryable("lease expired", retryAt); err != nil {
					return err
				}
				if err := saveTask(ctx, tx, t); err != nil {
					return err
				}
				reaped.NewStatus = t.Status
			}
			out = append(out, reaped)
		}
		return tx.Commit(ctx)
	})
	return out, err
}

// MoveFailedToDeadLetter writes the immutable dead-letter snapshot for
// FAILED tasks that lack one, transitioning each to DEAD_LETTER in the same
// transaction as its snapshot.
func (s *Store) MoveFailedToDeadLetter(ctx context.Context, limit int) ([]*task.DeadLetterEntry, error) {
	var out []*task.DeadLetterEntry
	err := withRetry(ctx, "move_dead_letters", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'failed'
			  AND NOT EXISTS (SELECT 1 FROM dead_letter_queue d WHERE d.task_id = tasks.id)
			ORDER BY updated_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			limit,
		)
		if err != nil {
			return err
		}
		var failed []*task.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			failed = append(failed, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		out = out[:0]
		for _, t := range failed {
			entry := task.NewDeadLetterEntry(t)
			if _, err := tx.Exec(ctx, `
				INSERT INTO dead_letter_queue (id, task_id, queue_name, name, input,
					error_message, attempt_count, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				entry.ID, entry.TaskID, entry.QueueName, entry.Name, entry.Input,
				entry.ErrorMessage, entry.AttemptCount, entry.Metadata, entry.CreatedAt,
			); err != nil {
				return err
			}
			if err := task.NewStateMachine(t).MoveToDeadLetter(); err != nil {
				return err
			}
			if err := saveTask(ctx, tx, t); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return tx.Commit(ctx)
	})
	return out, err
}
