package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// The worker stream speaks the same framed envelope as the server. The
// types here are deliberately independent of the server's internals so the
// SDK only depends on the wire contract; unknown fields on either side are
// ignored.

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func mustEnvelope(kind string, payload any) envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("client: unmarshalable %s payload: %v", kind, err))
	}
	return envelope{Kind: kind, Payload: data}
}

// Assignment is one task handed to this worker.
type Assignment struct {
	TaskID         string          `json:"task_id"`
	TaskRunID      string          `json:"task_run_id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	AttemptNumber  int32           `json:"attempt_number"`
	TimeoutSeconds int32           `json:"timeout_seconds"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`

	signals chan Signal
}

// Signals delivers out-of-band signals for this task. Delivery is
// at-least-once; consumers must be idempotent on Signal.ID.
func (a *Assignment) Signals() <-chan Signal {
	return a.signals
}

// Signal is an out-of-band message to a running task.
type Signal struct {
	ID      string          `json:"signal_id"`
	TaskID  string          `json:"task_id"`
	Name    string          `json:"signal_name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskHandler executes one assignment. The context is cancelled on task
// cancellation, task timeout or worker shutdown. Returning an error fails
// the run; wrap it with Permanent to suppress retries.
type TaskHandler func(ctx context.Context, a *Assignment) (json.RawMessage, error)

// permanentError marks a failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the failure is terminal regardless of the
// task's remaining retry budget.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// WorkerConfig configures a stream worker.
type WorkerConfig struct {
	ID                string        // generated when empty
	Name              string
	Queues            []string
	Concurrency       int32
	HeartbeatInterval time.Duration // default 10s
	Metadata          json.RawMessage
}

// Worker is a long-running consumer of the worker stream: it registers with
// a Hello, heartbeats its in-flight tasks, executes assignments through the
// handler and reports results. Run reconnects with backoff until the
// context ends.
type Worker struct {
	baseURL string
	cfg     WorkerConfig
	handler TaskHandler
	opts    *options

	mu       sync.Mutex
	active   map[string]*activeTask
	draining bool

	send chan envelope
}

type activeTask struct {
	assignment *Assignment
	cancel     context.CancelCauseFunc
}

// NewWorker creates a stream worker against the server's base URL.
func NewWorker(baseURL string, cfg WorkerConfig, handler TaskHandler, opts ...Option) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("client: task handler is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("client: at least one queue is required")
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Worker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cfg:     cfg,
		handler: handler,
		opts:    o,
		active:  make(map[string]*activeTask),
	}, nil
}

// ID returns the worker's registered id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run connects and serves assignments until ctx is cancelled, reconnecting
// with exponential backoff on stream loss.
func (w *Worker) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.isDraining() {
			// The server (or Shutdown) asked us to drain; don't reconnect.
			return nil
		}
		if err != nil {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (w *Worker) wsURL() string {
	url := w.baseURL
	if strings.HasPrefix(url, "https") {
		url = "wss" + strings.TrimPrefix(url, "https")
	} else {
		url = "ws" + strings.TrimPrefix(url, "http")
	}
	return url + "/ws/worker"
}

func (w *Worker) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("client: failed to connect worker stream: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errors.New("stream closed"))

	w.send = make(chan envelope, 64)

	if err := conn.WriteJSON(mustEnvelope("hello", map[string]any{
		"worker_id":   w.cfg.ID,
		"worker_name": w.cfg.Name,
		"queues":      w.cfg.Queues,
		"concurrency": w.cfg.Concurrency,
		"metadata":    w.cfg.Metadata,
	})); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.writeLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		w.heartbeatLoop(connCtx)
	}()

	err = w.readLoop(connCtx, conn)
	cancel(errors.New("stream closed"))
	w.cancelAll("stream closed")
	wg.Wait()
	return err
}

func (w *Worker) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case env := <-w.send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.enqueue(ctx, mustEnvelope("heartbeat", map[string]any{
				"active_task_ids":     w.activeIDs(),
				"client_timestamp_ms": time.Now().UnixMilli(),
			}))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Kind {
		case "task_assignment":
			a := &Assignment{signals: make(chan Signal, 16)}
			if err := json.Unmarshal(env.Payload, a); err != nil {
				continue
			}
			go w.execute(ctx, a)
		case "task_cancellation":
			var c struct {
				TaskID string `json:"task_id"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				continue
			}
			w.cancelTask(c.TaskID, c.Reason)
		case "task_signal":
			var sig Signal
			if err := json.Unmarshal(env.Payload, &sig); err != nil {
				continue
			}
			w.routeSignal(ctx, sig)
		case "server_shutdown":
			// No new assignments will arrive; in-flight tasks keep running
			// until their own contexts end, and Run stops reconnecting.
			w.setDraining()
		case "heartbeat_ack":
		default:
			// Unknown kinds are ignored for forward compatibility.
		}
	}
}

func (w *Worker) execute(ctx context.Context, a *Assignment) {
	timeout := time.Duration(a.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	taskCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errors.New("task timeout")) })
	defer timer.Stop()

	w.mu.Lock()
	w.active[a.TaskID] = &activeTask{assignment: a, cancel: cancel}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, a.TaskID)
		w.mu.Unlock()
		cancel(nil)
	}()

	output, err := w.handler(taskCtx, a)

	result := map[string]any{
		"task_id":     a.TaskID,
		"task_run_id": a.TaskRunID,
		"success":     err == nil,
		"retryable":   true,
	}
	if err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			result["retryable"] = false
		}
		result["error_message"] = err.Error()
	} else if output != nil {
		result["output"] = output
	}
	w.enqueue(ctx, mustEnvelope("task_result", result))
}

func (w *Worker) cancelTask(taskID, reason string) {
	w.mu.Lock()
	at := w.active[taskID]
	w.mu.Unlock()
	if at != nil {
		at.cancel(fmt.Errorf("cancelled: %s", reason))
	}
}

func (w *Worker) routeSignal(ctx context.Context, sig Signal) {
	w.mu.Lock()
	at := w.active[sig.TaskID]
	w.mu.Unlock()
	if at != nil {
		select {
		case at.assignment.signals <- sig:
		default:
			// Signal buffer full; the server redelivers on reconnect.
			return
		}
	}
	w.enqueue(ctx, mustEnvelope("signal_ack", map[string]any{"signal_id": sig.ID}))
}

// Log sends a log entry for a run, batched with whatever else is in flight.
func (w *Worker) Log(ctx context.Context, taskRunID, severity, message string) {
	w.enqueue(ctx, mustEnvelope("log_batch", map[string]any{
		"entries": []map[string]any{{
			"task_run_id": taskRunID,
			"timestamp":   time.Now().UTC(),
			"severity":    severity,
			"message":     message,
		}},
	}))
}

// Shutdown asks the server to drain this worker gracefully.
func (w *Worker) Shutdown(ctx context.Context, reason string) {
	w.setDraining()
	w.enqueue(ctx, mustEnvelope("graceful_shutdown", map[string]any{"reason": reason}))
}

func (w *Worker) setDraining() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

func (w *Worker) enqueue(ctx context.Context, env envelope) {
	select {
	case w.send <- env:
	case <-ctx.Done():
	}
}

func (w *Worker) activeIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) cancelAll(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, at := range w.active {
		at.cancel(errors.New(reason))
	}
}
