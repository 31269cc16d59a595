package events

import (
	"encoding/json"
	"time"

	"github.com/iwhitebird/valka/internal/task"
)

// EventType represents the type of event
type EventType string

const (
	// Task events
	EventTaskCreated     EventType = "task.created"
	EventTaskDispatching EventType = "task.dispatching"
	EventTaskRunning     EventType = "task.running"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventTaskRetrying    EventType = "task.retrying"
	EventTaskDeadLetter  EventType = "task.dead_letter"
	EventTaskCancelled   EventType = "task.cancelled"

	// Worker events
	EventWorkerJoined   EventType = "worker.joined"
	EventWorkerDraining EventType = "worker.draining"
	EventWorkerLeft     EventType = "worker.left"
)

// Event is one task state transition (or worker lifecycle change) as
// published on the in-process bus. Transitions are published in commit
// order per task.
type Event struct {
	ID             string      `json:"event_id"`
	Type           EventType   `json:"type"`
	TaskID         string      `json:"task_id,omitempty"`
	Queue          string      `json:"queue,omitempty"`
	PreviousStatus task.Status `json:"previous_status"`
	NewStatus      task.Status `json:"new_status"`
	WorkerID       string      `json:"worker_id,omitempty"`
	NodeID         string      `json:"node_id,omitempty"`
	AttemptNumber  int32       `json:"attempt_number,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	TimestampMS    int64       `json:"ts_ms"`
}

// typeForStatus maps a task's new status to the event vocabulary.
func typeForStatus(s task.Status) EventType {
	switch s {
	case task.StatusDispatching:
		return EventTaskDispatching
	case task.StatusRunning:
		return EventTaskRunning
	case task.StatusCompleted:
		return EventTaskCompleted
	case task.StatusFailed:
		return EventTaskFailed
	case task.StatusRetry:
		return EventTaskRetrying
	case task.StatusDeadLetter:
		return EventTaskDeadLetter
	case task.StatusCancelled:
		return EventTaskCancelled
	default:
		return EventTaskCreated
	}
}

// NewTransition builds a task state transition event.
func NewTransition(taskID, queue string, prev, next task.Status) Event {
	return Event{
		ID:             task.NewID(),
		Type:           typeForStatus(next),
		TaskID:         taskID,
		Queue:          queue,
		PreviousStatus: prev,
		NewStatus:      next,
		TimestampMS:    time.Now().UTC().UnixMilli(),
	}
}

// WithWorker stamps ownership details onto a transition event.
func (e Event) WithWorker(workerID, nodeID string, attemptNumber int32) Event {
	e.WorkerID = workerID
	e.NodeID = nodeID
	e.AttemptNumber = attemptNumber
	return e
}

// WithError stamps the failure message onto a transition event.
func (e Event) WithError(msg string) Event {
	e.ErrorMessage = msg
	return e
}

// NewWorkerEvent builds a worker lifecycle event.
func NewWorkerEvent(typ EventType, workerID, nodeID string) Event {
	return Event{
		ID:          task.NewID(),
		Type:        typ,
		WorkerID:    workerID,
		NodeID:      nodeID,
		TimestampMS: time.Now().UTC().UnixMilli(),
	}
}

// ToJSON serializes the event to JSON
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
