package store

import (
	"context"

	"github.com/iwhitebird/valka/internal/task"
)

// InsertLogEntries writes a group of worker log lines in one round trip.
// Entries without ids are stamped here.
func (s *Store) InsertLogEntries(ctx context.Context, entries []task.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return withRetry(ctx, "insert_logs", func(ctx context.Context) error {
		batch := make([][]any, 0, len(entries))
		for _, e := range entries {
			id := e.ID
			if id == "" {
				id = task.NewID()
			}
			batch = append(batch, []any{
				id, e.TaskRunID, e.Timestamp, e.Severity.String(), e.Message, e.Metadata,
			})
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, args := range batch {
			if _, err := tx.Exec(ctx, `
				INSERT INTO task_logs (id, task_run_id, ts, severity, message, metadata)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				args...,
			); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// ListLogs returns a run's log entries ordered by timestamp, the shape the
// live-tail stream consumes.
func (s *Store) ListLogs(ctx context.Context, taskRunID string, limit, offset int) ([]task.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []task.LogEntry
	err := withRetry(ctx, "list_logs", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, task_run_id, ts, severity, message, metadata
			FROM task_logs
			WHERE task_run_id = $1
			ORDER BY ts ASC
			LIMIT $2 OFFSET $3`,
			taskRunID, limit, offset,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var e task.LogEntry
			var severity string
			if err := rows.Scan(&e.ID, &e.TaskRunID, &e.Timestamp, &severity, &e.Message, &e.Metadata); err != nil {
				return err
			}
			e.Severity = task.ParseSeverity(severity)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
