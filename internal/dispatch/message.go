package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/iwhitebird/valka/internal/task"
)

// Kind tags a frame on the worker stream. Both directions share the same
// envelope; unknown optional fields inside payloads are ignored for forward
// compatibility.
type Kind string

const (
	// Worker -> server
	KindHello            Kind = "hello"
	KindTaskResult       Kind = "task_result"
	KindHeartbeat        Kind = "heartbeat"
	KindLogBatch         Kind = "log_batch"
	KindSignalAck        Kind = "signal_ack"
	KindGracefulShutdown Kind = "graceful_shutdown"

	// Server -> worker
	KindTaskAssignment   Kind = "task_assignment"
	KindTaskCancellation Kind = "task_cancellation"
	KindTaskSignal       Kind = "task_signal"
	KindHeartbeatAck     Kind = "heartbeat_ack"
	KindServerShutdown   Kind = "server_shutdown"
)

// Envelope is the self-describing frame carried over the stream.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the mandatory first message on every session.
type Hello struct {
	WorkerID    string          `json:"worker_id"`
	WorkerName  string          `json:"worker_name"`
	Queues      []string        `json:"queues"`
	Concurrency int32           `json:"concurrency"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// TaskResult reports the outcome of one run.
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	TaskRunID    string          `json:"task_run_id"`
	Success      bool            `json:"success"`
	Retryable    bool            `json:"retryable"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Heartbeat lists the worker's in-flight tasks and extends their leases.
type Heartbeat struct {
	ActiveTaskIDs     []string `json:"active_task_ids"`
	ClientTimestampMS int64    `json:"client_timestamp_ms"`
}

// LogBatch carries worker-emitted log lines for the ingester.
type LogBatch struct {
	Entries []task.LogEntry `json:"entries"`
}

// SignalAck confirms receipt of a TaskSignal by id.
type SignalAck struct {
	SignalID string `json:"signal_id"`
}

// GracefulShutdown asks the server to stop assigning and let in-flight runs
// finish.
type GracefulShutdown struct {
	Reason string `json:"reason,omitempty"`
}

// TaskAssignment hands a task to the worker.
type TaskAssignment struct {
	TaskID         string          `json:"task_id"`
	TaskRunID      string          `json:"task_run_id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	AttemptNumber  int32           `json:"attempt_number"`
	TimeoutSeconds int32           `json:"timeout_seconds"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// TaskCancellation asks the worker to cooperatively stop a task.
type TaskCancellation struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// TaskSignal delivers an out-of-band message to a running task. Delivery is
// at-least-once; workers must be idempotent on SignalID.
type TaskSignal struct {
	SignalID    string          `json:"signal_id"`
	TaskID      string          `json:"task_id"`
	SignalName  string          `json:"signal_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TimestampMS int64           `json:"ts"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	ServerTimestampMS int64 `json:"server_timestamp_ms"`
}

// ServerShutdown announces a global drain.
type ServerShutdown struct {
	Reason       string `json:"reason,omitempty"`
	DrainSeconds int32  `json:"drain_seconds"`
}

// newEnvelope wraps a payload. Marshalling our own payload types cannot
// fail; a failure here is a programming error surfaced loudly.
func newEnvelope(kind Kind, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("dispatch: unmarshalable %s payload: %v", kind, err))
	}
	return Envelope{Kind: kind, Payload: data}
}

// decodePayload unmarshals an envelope's payload into out.
func decodePayload(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("dispatch: malformed %s payload: %w", env.Kind, err)
	}
	return nil
}
