// Package dispatch owns the worker sessions: one state machine per
// connected worker, multiplexing task assignments, cancellations,
// heartbeats, log batches, signals and shutdown over a bidirectional
// framed stream, with strict per-task lease ownership.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/store"
	"github.com/iwhitebird/valka/internal/task"
)

var (
	ErrProtocolViolation = errors.New("dispatch: session protocol violation")
	ErrNotCancellable    = errors.New("dispatch: task is not cancellable")
)

// Store is the slice of the durable store the dispatcher drives.
type Store interface {
	UpsertWorker(ctx context.Context, w *task.Worker) error
	SetWorkerStatus(ctx context.Context, workerID string, status task.WorkerStatus) error
	TouchWorker(ctx context.Context, workerID string) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	OpenRun(ctx context.Context, taskID, workerID, nodeID string, lease time.Duration) (*task.Task, *task.TaskRun, error)
	RevertDispatch(ctx context.Context, taskID, runID string) error
	MarkRunning(ctx context.Context, taskID string) (*task.Task, bool, error)
	CompleteRun(ctx context.Context, taskID, runID string, output []byte) (*task.Task, task.Status, error)
	FailRun(ctx context.Context, taskID, runID, errMsg string, retryable bool, runStatus task.RunStatus) (*task.Task, task.Status, error)
	CancelTask(ctx context.Context, taskID string) (*task.Task, task.Status, error)
	ExtendLeases(ctx context.Context, workerID string, taskIDs []string, lease time.Duration) ([]string, error)
	CreateSignal(ctx context.Context, sig *task.Signal) error
	PendingSignals(ctx context.Context, taskID string) ([]*task.Signal, error)
	MarkSignalDelivered(ctx context.Context, signalID string) error
	MarkSignalAcknowledged(ctx context.Context, signalID string) error
	RevertSignals(ctx context.Context, signalIDs []string) error
}

// Matcher is the slice of the matching engine sessions park into.
type Matcher interface {
	ParkWorker(workerID string, queues []string, partitionPreference *int32) *match.Handle
	CancelWait(h *match.Handle)
}

// LogSink accepts worker log batches for buffered persistence.
type LogSink interface {
	Submit(entries []task.LogEntry)
}

// Dispatcher tracks the live sessions on this node and routes external
// cancellations and signals to the session owning the target task.
type Dispatcher struct {
	store   Store
	matcher Matcher
	bus     *events.Bus
	logs    LogSink
	cfg     *config.DispatcherConfig
	nodeID  string

	mu       sync.RWMutex
	sessions map[string]*Session // by worker id
	owners   map[string]*Session // task id -> owning session
	draining bool
}

// New constructs a dispatcher.
func New(st Store, matcher Matcher, bus *events.Bus, logs LogSink, cfg *config.DispatcherConfig, nodeID string) *Dispatcher {
	return &Dispatcher{
		store:    st,
		matcher:  matcher,
		bus:      bus,
		logs:     logs,
		cfg:      cfg,
		nodeID:   nodeID,
		sessions: make(map[string]*Session),
		owners:   make(map[string]*Session),
	}
}

func (d *Dispatcher) register(s *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	// Latest session wins a worker id; the previous one, if any, is dead or
	// about to find out it is.
	if old, ok := d.sessions[s.workerID]; ok && old != s {
		go old.terminate("superseded by a new session")
	}
	d.sessions[s.workerID] = s
	metrics.SetWorkerSessions(float64(len(d.sessions)))
	return true
}

func (d *Dispatcher) unregister(s *Session) {
	d.mu.Lock()
	if d.sessions[s.workerID] == s {
		delete(d.sessions, s.workerID)
	}
	for taskID, owner := range d.owners {
		if owner == s {
			delete(d.owners, taskID)
		}
	}
	metrics.SetWorkerSessions(float64(len(d.sessions)))
	d.mu.Unlock()
}

func (d *Dispatcher) trackOwner(taskID string, s *Session) {
	d.mu.Lock()
	d.owners[taskID] = s
	d.mu.Unlock()
}

func (d *Dispatcher) untrackOwner(taskID string, s *Session) {
	d.mu.Lock()
	if d.owners[taskID] == s {
		delete(d.owners, taskID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) owner(taskID string) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.owners[taskID]
}

// SessionCount returns the number of live sessions on this node.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// CancelTask cancels a PENDING, DISPATCHING, RUNNING or RETRY task. If the task
// is currently assigned to a local worker, a TaskCancellation is sent
// best-effort; the worker's eventual TaskResult records the run as failed
// with reason "cancelled".
func (d *Dispatcher) CancelTask(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, prev, err := d.store.CancelTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNotCancellable
		}
		return nil, err
	}
	if prev == task.StatusCancelled {
		// Idempotent repeat: same effect, same return value.
		return t, nil
	}

	d.bus.Publish(events.NewTransition(t.ID, t.QueueName, prev, task.StatusCancelled))
	metrics.RecordTaskTransition(t.QueueName, task.StatusCancelled.String())

	if prev == task.StatusDispatching || prev == task.StatusRunning {
		if s := d.owner(taskID); s != nil {
			s.markCancelled(taskID)
			s.trySend(newEnvelope(KindTaskCancellation, TaskCancellation{TaskID: taskID, Reason: reason}))
		}
	}
	return t, nil
}

// SendSignal inserts a PENDING signal and, when the task is assigned to a
// local worker, immediately writes it to that session's outbound stream and
// transitions the row to DELIVERED. Returns the signal and whether it was
// delivered now.
func (d *Dispatcher) SendSignal(ctx context.Context, taskID, name string, payload json.RawMessage) (*task.Signal, bool, error) {
	if _, err := d.store.GetTask(ctx, taskID); err != nil {
		return nil, false, err
	}

	sig := task.NewSignal(taskID, name, payload)
	if err := d.store.CreateSignal(ctx, sig); err != nil {
		return nil, false, err
	}

	s := d.owner(taskID)
	if s == nil || !s.deliverSignal(sig) {
		metrics.RecordSignal("pending")
		return sig, false, nil
	}

	if err := d.store.MarkSignalDelivered(ctx, sig.ID); err != nil {
		log := logger.WithTask(taskID)
		log.Error().Err(err).Msg("failed to mark signal delivered")
		return sig, false, nil
	}
	sig.MarkDelivered()
	metrics.RecordSignal("delivered")
	return sig, true, nil
}

// AckSignal records a worker acknowledgement received out of band (REST
// surface); stream acks arrive through the session instead.
func (d *Dispatcher) AckSignal(ctx context.Context, signalID string) error {
	return d.store.MarkSignalAcknowledged(ctx, signalID)
}

// Shutdown drains every session: no new assignments, ServerShutdown sent to
// each worker, then a bounded wait for in-flight runs before the sessions
// are torn down.
func (d *Dispatcher) Shutdown(ctx context.Context, reason string) {
	d.mu.Lock()
	d.draining = true
	open := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		open = append(open, s)
	}
	d.mu.Unlock()

	drainSeconds := int32(d.cfg.DrainDeadline / time.Second)
	for _, s := range open {
		s.trySend(newEnvelope(KindServerShutdown, ServerShutdown{Reason: reason, DrainSeconds: drainSeconds}))
		s.drain()
	}

	deadline := time.NewTimer(d.cfg.DrainDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if d.SessionCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
		case <-deadline.C:
		case <-tick.C:
			continue
		}
		break
	}

	for _, s := range open {
		s.terminate("server shutdown")
	}
}
