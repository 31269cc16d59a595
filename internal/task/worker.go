package task

import "time"

// WorkerStatus is the lifecycle state of a worker registration.
type WorkerStatus int

const (
	WorkerStatusActive WorkerStatus = iota
	WorkerStatusDraining
	WorkerStatusDisconnected
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStatusActive:
		return "active"
	case WorkerStatusDraining:
		return "draining"
	case WorkerStatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func ParseWorkerStatus(s string) WorkerStatus {
	switch s {
	case "active":
		return WorkerStatusActive
	case "draining":
		return WorkerStatusDraining
	case "disconnected":
		return WorkerStatusDisconnected
	default:
		return WorkerStatusDisconnected
	}
}

// Worker is a client-registered session descriptor, retained for
// observability even after the session ends.
type Worker struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	NodeID         string       `json:"node_id"`
	Queues         []string     `json:"queues"`
	Concurrency    int32        `json:"concurrency"`
	Status         WorkerStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	ConnectedAt    time.Time    `json:"connected_at"`
	DisconnectedAt *time.Time   `json:"disconnected_at,omitempty"`
}

func NewWorker(id, name, nodeID string, queues []string, concurrency int32) *Worker {
	now := time.Now().UTC()
	return &Worker{
		ID:            id,
		Name:          name,
		NodeID:        nodeID,
		Queues:        queues,
		Concurrency:   concurrency,
		Status:        WorkerStatusActive,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}
}

func (w *Worker) Drain() {
	w.Status = WorkerStatusDraining
}

func (w *Worker) Disconnect() {
	now := time.Now().UTC()
	w.Status = WorkerStatusDisconnected
	w.DisconnectedAt = &now
}

func (w *Worker) Touch() {
	w.LastHeartbeat = time.Now().UTC()
}
