package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iwhitebird/valka/internal/task"
)

const signalColumns = `id, task_id, name, payload, status, created_at,
	delivered_at, acknowledged_at`

func scanSignal(row rowScanner) (*task.Signal, error) {
	var sig task.Signal
	var status string
	err := row.Scan(
		&sig.ID, &sig.TaskID, &sig.Name, &sig.Payload, &status,
		&sig.CreatedAt, &sig.DeliveredAt, &sig.AcknowledgedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	switch status {
	case "delivered":
		sig.Status = task.SignalStatusDelivered
	case "acknowledged":
		sig.Status = task.SignalStatusAcknowledged
	default:
		sig.Status = task.SignalStatusPending
	}
	return &sig, nil
}

// CreateSignal inserts a PENDING signal row for a task.
func (s *Store) CreateSignal(ctx context.Context, sig *task.Signal) error {
	return withRetry(ctx, "create_signal", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO task_signals (`+signalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sig.ID, sig.TaskID, sig.Name, sig.Payload, sig.Status.String(),
			sig.CreatedAt, sig.DeliveredAt, sig.AcknowledgedAt,
		)
		return err
	})
}

// PendingSignals returns a task's undelivered signals in creation order, the
// order they are drained in on assignment.
func (s *Store) PendingSignals(ctx context.Context, taskID string) ([]*task.Signal, error) {
	var out []*task.Signal
	err := withRetry(ctx, "pending_signals", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+signalColumns+` FROM task_signals
			WHERE task_id = $1 AND status = 'pending'
			ORDER BY created_at ASC`,
			taskID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			sig, err := scanSignal(rows)
			if err != nil {
				return err
			}
			out = append(out, sig)
		}
		return rows.Err()
	})
	return out, err
}

// ListSignals returns every signal for a task in creation order.
func (s *Store) ListSignals(ctx context.Context, taskID string) ([]*task.Signal, error) {
	var out []*task.Signal
	err := withRetry(ctx, "list_signals", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+signalColumns+` FROM task_signals
			WHERE task_id = $1
			ORDER BY created_at ASC`,
			taskID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			sig, err := scanSignal(rows)
			if err != nil {
				return err
			}
			out = append(out, sig)
		}
		return rows.Err()
	})
	return out, err
}

// MarkSignalDelivered transitions a PENDING signal to DELIVERED.
func (s *Store) MarkSignalDelivered(ctx context.Context, signalID string) error {
	return withRetry(ctx, "mark_signal_delivered", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE task_signals SET status = 'delivered', delivered_at = $2
			WHERE id = $1 AND status = 'pending'`,
			signalID, time.Now().UTC(),
		)
		return err
	})
}

// MarkSignalAcknowledged records the worker's ack. Acknowledging twice has
// the same effect as once: the timestamp is only written on the
// first transition.
func (s *Store) MarkSignalAcknowledged(ctx context.Context, signalID string) error {
	return withRetry(ctx, "mark_signal_acknowledged", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE task_signals SET status = 'acknowledged', acknowledged_at = $2
			WHERE id = $1 AND status <> 'acknowledged'`,
			signalID, time.Now().UTC(),
		)
		return err
	})
}

// RevertSignals resets DELIVERED-but-unacknowledged signals to PENDING so
// they are redelivered on the worker's next attachment.
func (s *Store) RevertSignals(ctx context.Context, signalIDs []string) error {
	if len(signalIDs) == 0 {
		return nil
	}
	return withRetry(ctx, "revert_signals", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE task_signals SET status = 'pending', delivered_at = NULL
			WHERE id = ANY($1) AND status = 'delivered'`,
			signalIDs,
		)
		return err
	})
}
