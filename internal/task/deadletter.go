package task

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry is an immutable snapshot of a task that failed
// terminally: its retry budget was exhausted or the failure was
// non-retryable. Once written it is never updated.
type DeadLetterEntry struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	QueueName    string          `json:"queue_name"`
	Name         string          `json:"name"`
	Input        json.RawMessage `json:"input"`
	ErrorMessage string          `json:"error_message"`
	AttemptCount int32           `json:"attempt_count"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func NewDeadLetterEntry(t *Task) *DeadLetterEntry {
	errMsg := ""
	if t.ErrorMessage != nil {
		errMsg = *t.ErrorMessage
	}
	return &DeadLetterEntry{
		ID:           NewID(),
		TaskID:       t.ID,
		QueueName:    t.QueueName,
		Name:         t.Name,
		Input:        t.Input,
		ErrorMessage: errMsg,
		AttemptCount: t.AttemptCount,
		Metadata:     t.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
}
