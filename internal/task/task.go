package task

import (
	"encoding/json"
	"time"
)

// Task is the logical unit of work routed through a queue partition.
type Task struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	PartitionID    int32           `json:"partition_id"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int32           `json:"priority"`
	MaxRetries     int32           `json:"max_retries"`
	AttemptCount   int32           `json:"attempt_count"`
	TimeoutSeconds int32           `json:"timeout_seconds"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CreateRequest is the input to create_task: the REST adapter
// translates its wire payload into this before calling into the store.
type CreateRequest struct {
	QueueName      string
	Name           string
	Input          json.RawMessage
	Metadata       json.RawMessage
	Priority       int32
	MaxRetries     int32
	TimeoutSeconds int32
	ScheduledAt    *time.Time
	IdempotencyKey *string
}

// New constructs a Task from a creation request with partitioning and
// defaulting applied. PartitionID is left zero; the store layer derives it
// from QueueName via the stable hash (see internal/partition).
func New(req CreateRequest) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:             NewID(),
		QueueName:      req.QueueName,
		Name:           req.Name,
		Input:          req.Input,
		Metadata:       req.Metadata,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = 300
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		t.ScheduledAt = req.ScheduledAt
	}
	return t
}

// IsDue reports whether the task's scheduled_at (if any) has passed, i.e.
// it is ready to be offered to matching.
func (t *Task) IsDue(now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// Summary is the minimal projection offered to the matching engine; it
// carries nothing that requires a store round trip to reconstruct a
// TaskAssignment once a waiter is found.
type Summary struct {
	TaskID      string
	QueueName   string
	PartitionID int32
	Priority    int32
	CreatedAt   time.Time
}

func (t *Task) Summary() Summary {
	return Summary{
		TaskID:      t.ID,
		QueueName:   t.QueueName,
		PartitionID: t.PartitionID,
		Priority:    t.Priority,
		CreatedAt:   t.CreatedAt,
	}
}
