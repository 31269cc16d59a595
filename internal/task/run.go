package task

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a TaskRun.
type RunStatus int

const (
	RunStatusRunning RunStatus = iota
	RunStatusSucceeded
	RunStatusFailed
	RunStatusLeaseExpired
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusRunning:
		return "running"
	case RunStatusSucceeded:
		return "succeeded"
	case RunStatusFailed:
		return "failed"
	case RunStatusLeaseExpired:
		return "lease_expired"
	default:
		return "unknown"
	}
}

func ParseRunStatus(s string) RunStatus {
	switch s {
	case "running":
		return RunStatusRunning
	case "succeeded":
		return RunStatusSucceeded
	case "failed":
		return RunStatusFailed
	case "lease_expired":
		return RunStatusLeaseExpired
	default:
		return RunStatusRunning
	}
}

// TaskRun is one execution attempt of a Task, owned by exactly one worker
// for the lifetime of its lease.
type TaskRun struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	AttemptNumber  int32           `json:"attempt_number"`
	WorkerID       string          `json:"worker_id"`
	AssignedNodeID string          `json:"assigned_node_id"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	Status         RunStatus       `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewRun opens a fresh RUNNING run for the given task/worker pair, leased
// for leaseDuration from now.
func NewRun(taskID, workerID, nodeID string, attemptNumber int32, leaseDuration time.Duration) *TaskRun {
	now := time.Now().UTC()
	return &TaskRun{
		ID:             NewID(),
		TaskID:         taskID,
		AttemptNumber:  attemptNumber,
		WorkerID:       workerID,
		AssignedNodeID: nodeID,
		LeaseExpiresAt: now.Add(leaseDuration),
		LastHeartbeat:  now,
		Status:         RunStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ExtendLease bumps last_heartbeat and lease_expires_at forward; leases are
// non-decreasing until a terminal transition.
func (r *TaskRun) ExtendLease(leaseDuration time.Duration) {
	now := time.Now().UTC()
	r.LastHeartbeat = now
	next := now.Add(leaseDuration)
	if next.After(r.LeaseExpiresAt) {
		r.LeaseExpiresAt = next
	}
	r.UpdatedAt = now
}

func (r *TaskRun) IsLeaseExpired(now time.Time) bool {
	return r.Status == RunStatusRunning && r.LeaseExpiresAt.Before(now)
}

func (r *TaskRun) Succeed(output []byte) {
	r.Status = RunStatusSucceeded
	r.Output = output
	r.ErrorMessage = nil
	r.UpdatedAt = time.Now().UTC()
}

func (r *TaskRun) Fail(errMsg string) {
	r.Status = RunStatusFailed
	r.ErrorMessage = &errMsg
	r.UpdatedAt = time.Now().UTC()
}

func (r *TaskRun) ExpireLease() {
	r.Status = RunStatusLeaseExpired
	r.UpdatedAt = time.Now().UTC()
}
