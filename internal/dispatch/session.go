package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/store"
	"github.com/iwhitebird/valka/internal/task"
)

// SessionState is the lifecycle of one worker session.
type SessionState int32

const (
	StateAwaitingHello SessionState = iota
	StateRegistering
	StateActive
	StateDraining
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const writeWait = 10 * time.Second

// activeRun tracks one in-flight assignment owned by this session.
type activeRun struct {
	runID         string
	queue         string
	attemptNumber int32
	assignedAt    time.Time
	running       bool
	cancelled     bool
	done          chan struct{}
}

// Session drives one worker's stream. The outbound half is owned by a
// single sender goroutine fed through a bounded channel; a full channel on
// a TaskAssignment push is a session-termination signal, never a partial
// frame.
type Session struct {
	d    *Dispatcher
	conn *websocket.Conn
	log  zerolog.Logger

	workerID string
	worker   *task.Worker

	stateMu sync.Mutex
	state   SessionState

	send chan Envelope

	sessCtx    context.Context
	sessCancel context.CancelFunc
	parkCtx    context.Context
	parkCancel context.CancelFunc

	termOnce  sync.Once
	drainOnce sync.Once
	wg        sync.WaitGroup

	activeMu  sync.Mutex
	active    map[string]*activeRun
	delivered map[string]bool // signal ids delivered but not yet acked
}

// NewSession wraps an upgraded connection. Run must be called exactly once.
func NewSession(d *Dispatcher, conn *websocket.Conn) *Session {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	parkCtx, parkCancel := context.WithCancel(sessCtx)
	return &Session{
		d:          d,
		conn:       conn,
		log:        logger.WithComponent("dispatch"),
		state:      StateAwaitingHello,
		send:       make(chan Envelope, d.cfg.OutboundCapacity),
		sessCtx:    sessCtx,
		sessCancel: sessCancel,
		parkCtx:    parkCtx,
		parkCancel: parkCancel,
		active:     make(map[string]*activeRun),
		delivered:  make(map[string]bool),
	}
}

func (s *Session) setState(st SessionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Run owns the inbound half of the stream until the session ends.
func (s *Session) Run() {
	defer s.terminate("stream closed")

	hello, err := s.awaitHello()
	if err != nil {
		s.log.Warn().Err(err).Msg("session rejected before registration")
		s.closeWithStatus(websocket.ClosePolicyViolation, err.Error())
		return
	}

	if err := s.register(hello); err != nil {
		s.log.Warn().Err(err).Str("worker_id", hello.WorkerID).Msg("worker registration failed")
		s.closeWithStatus(websocket.CloseTryAgainLater, "registration failed")
		return
	}

	s.setState(StateActive)
	s.log.Info().
		Str("worker_id", s.workerID).
		Strs("queues", s.worker.Queues).
		Int32("concurrency", s.worker.Concurrency).
		Msg("worker session active")

	s.wg.Add(1)
	go s.writePump()

	for i := int32(0); i < s.worker.Concurrency; i++ {
		s.wg.Add(1)
		go s.slotLoop()
	}

	s.readLoop()
}

// awaitHello enforces that the first inbound frame is a Hello, within the
// configured timeout.
func (s *Session) awaitHello() (Hello, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.d.cfg.HelloTimeout))

	var env Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return Hello{}, fmt.Errorf("%w: no hello: %v", ErrProtocolViolation, err)
	}
	if env.Kind != KindHello {
		return Hello{}, fmt.Errorf("%w: first frame was %s", ErrProtocolViolation, env.Kind)
	}

	var hello Hello
	if err := decodePayload(env, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if hello.WorkerID == "" {
		return Hello{}, fmt.Errorf("%w: empty worker_id", ErrProtocolViolation)
	}
	if hello.Concurrency < 0 {
		hello.Concurrency = 0
	}
	return hello, nil
}

func (s *Session) register(hello Hello) error {
	s.setState(StateRegistering)
	s.workerID = hello.WorkerID
	s.log = logger.WithSession(hello.WorkerID)
	s.worker = task.NewWorker(hello.WorkerID, hello.WorkerName, s.d.nodeID, hello.Queues, hello.Concurrency)

	if !s.d.register(s) {
		return errors.New("dispatch: node is draining")
	}
	if err := s.d.store.UpsertWorker(s.sessCtx, s.worker); err != nil {
		s.d.unregister(s)
		return err
	}

	s.d.bus.Publish(events.NewWorkerEvent(events.EventWorkerJoined, s.workerID, s.d.nodeID))
	return nil
}

// readLoop consumes inbound frames until the stream dies. The watchdog is
// the read deadline: no inbound message for 3x the heartbeat interval ends
// the session.
func (s *Session) readLoop() {
	watchdog := 3 * s.d.cfg.HeartbeatInterval
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(watchdog))

		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("session read error")
			}
			return
		}

		switch env.Kind {
		case KindHeartbeat:
			var hb Heartbeat
			if err := decodePayload(env, &hb); err != nil {
				s.protocolViolation(err)
				return
			}
			s.handleHeartbeat(hb)
		case KindTaskResult:
			var res TaskResult
			if err := decodePayload(env, &res); err != nil {
				s.protocolViolation(err)
				return
			}
			s.handleResult(res)
		case KindLogBatch:
			var batch LogBatch
			if err := decodePayload(env, &batch); err != nil {
				s.protocolViolation(err)
				return
			}
			s.d.logs.Submit(batch.Entries)
		case KindSignalAck:
			var ack SignalAck
			if err := decodePayload(env, &ack); err != nil {
				s.protocolViolation(err)
				return
			}
			s.handleSignalAck(ack)
		case KindGracefulShutdown:
			var gs GracefulShutdown
			if err := decodePayload(env, &gs); err != nil {
				s.protocolViolation(err)
				return
			}
			s.log.Info().Str("reason", gs.Reason).Msg("worker requested graceful shutdown")
			s.drain()
		case KindHello:
			s.protocolViolation(fmt.Errorf("%w: duplicate hello", ErrProtocolViolation))
			return
		default:
			// Unknown kinds are ignored for forward compatibility.
			s.log.Debug().Str("kind", string(env.Kind)).Msg("ignoring unknown frame kind")
		}
	}
}

func (s *Session) protocolViolation(err error) {
	s.log.Warn().Err(err).Msg("session protocol violation")
	s.closeWithStatus(websocket.ClosePolicyViolation, "protocol violation")
}

// writePump is the single owner of the outbound half of the stream.
func (s *Session) writePump() {
	defer s.wg.Done()
	for {
		select {
		case env := <-s.send:
			metrics.SetOutboundChannelDepth(s.workerID, float64(len(s.send)))
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("outbound write failed")
				s.terminate("outbound write failed")
				return
			}
		case <-s.sessCtx.Done():
			return
		}
	}
}

// trySend enqueues an outbound frame without blocking; false means the
// channel is full.
func (s *Session) trySend(env Envelope) bool {
	select {
	case s.send <- env:
		metrics.SetOutboundChannelDepth(s.workerID, float64(len(s.send)))
		return true
	default:
		return false
	}
}

// sendBlocking enqueues an outbound frame, waiting for channel space. Used
// for heartbeat acks, which may block the reader briefly but must not be
// dropped.
func (s *Session) sendBlocking(env Envelope) {
	select {
	case s.send <- env:
		metrics.SetOutboundChannelDepth(s.workerID, float64(len(s.send)))
	case <-s.sessCtx.Done():
	}
}

// slotLoop runs one concurrency slot: park a waiter, await a match, assign,
// wait for the run to finish, repeat. Draining cancels the park but lets an
// in-flight run finish.
func (s *Session) slotLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.parkCtx.Done():
			return
		default:
		}

		h := s.d.matcher.ParkWorker(s.workerID, s.worker.Queues, nil)
		sum, ok := h.Await(s.parkCtx)
		if !ok {
			s.d.matcher.CancelWait(h)
			return
		}

		done := s.assign(sum)
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-s.sessCtx.Done():
			return
		}
	}
}

// assign opens the run, transitions the task to DISPATCHING and writes the
// TaskAssignment to the outbound stream. Returns a channel closed when the
// run finishes, or nil if the assignment did not stick.
func (s *Session) assign(sum task.Summary) chan struct{} {
	offerAt := time.Now()

	t, run, err := s.d.store.OpenRun(s.sessCtx, sum.TaskID, s.workerID, s.d.nodeID, s.d.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// Claimed, cancelled or completed elsewhere between offer and
			// open: benign, the slot goes back to parking.
			s.log.Debug().Str("task_id", sum.TaskID).Msg("assignment lost the race")
			return nil
		}
		s.log.Error().Err(err).Str("task_id", sum.TaskID).Msg("failed to open task run")
		return nil
	}

	ar := &activeRun{
		runID:         run.ID,
		queue:         t.QueueName,
		attemptNumber: run.AttemptNumber,
		assignedAt:    time.Now(),
		done:          make(chan struct{}),
	}
	s.activeMu.Lock()
	s.active[t.ID] = ar
	s.activeMu.Unlock()
	s.d.trackOwner(t.ID, s)

	s.d.bus.Publish(events.NewTransition(t.ID, t.QueueName, task.StatusPending, task.StatusDispatching).
		WithWorker(s.workerID, s.d.nodeID, run.AttemptNumber))
	metrics.RecordTaskTransition(t.QueueName, task.StatusDispatching.String())

	env := newEnvelope(KindTaskAssignment, TaskAssignment{
		TaskID:         t.ID,
		TaskRunID:      run.ID,
		Queue:          t.QueueName,
		Name:           t.Name,
		Input:          t.Input,
		AttemptNumber:  run.AttemptNumber,
		TimeoutSeconds: t.TimeoutSeconds,
		Metadata:       t.Metadata,
	})
	if !s.trySend(env) {
		// Full outbound channel on an assignment means the worker is not
		// draining its stream: revert and end the session.
		s.dropActive(t.ID, ar)
		if err := s.d.store.RevertDispatch(context.Background(), t.ID, run.ID); err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to revert dispatch")
		} else {
			s.d.bus.Publish(events.NewTransition(t.ID, t.QueueName, task.StatusDispatching, task.StatusPending))
		}
		s.terminate("outbound channel full")
		return nil
	}

	// Diagnostics for assignments whose RUNNING confirmation never arrives
	// inside the grace window; the lease reaper is the enforcement path.
	go func() {
		select {
		case <-ar.done:
		case <-s.sessCtx.Done():
		case <-time.After(s.d.cfg.RunningGrace):
			s.activeMu.Lock()
			running := ar.running
			s.activeMu.Unlock()
			if !running {
				s.log.Warn().
					Str("task_id", t.ID).
					Str("task_run_id", run.ID).
					Dur("grace", s.d.cfg.RunningGrace).
					Msg("no heartbeat confirmed the assignment within the grace window")
			}
		}
	}()

	metrics.RecordDispatchLatency(t.QueueName, time.Since(offerAt).Seconds())
	s.log.Info().
		Str("task_id", t.ID).
		Str("task_run_id", run.ID).
		Int32("attempt", run.AttemptNumber).
		Msg("task assigned")

	s.deliverPendingSignals(t.ID)
	return ar.done
}

// deliverPendingSignals drains a task's PENDING signals in creation order
// onto the freshly assigned stream.
func (s *Session) deliverPendingSignals(taskID string) {
	sigs, err := s.d.store.PendingSignals(s.sessCtx, taskID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to load pending signals")
		return
	}
	for _, sig := range sigs {
		if !s.deliverSignal(sig) {
			return
		}
		if err := s.d.store.MarkSignalDelivered(s.sessCtx, sig.ID); err != nil {
			s.log.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to mark signal delivered")
		}
		metrics.RecordSignal("delivered")
	}
}

// deliverSignal writes a TaskSignal frame and records it as awaiting ack.
// A full channel leaves the signal PENDING for redelivery.
func (s *Session) deliverSignal(sig *task.Signal) bool {
	env := newEnvelope(KindTaskSignal, TaskSignal{
		SignalID:    sig.ID,
		TaskID:      sig.TaskID,
		SignalName:  sig.Name,
		Payload:     sig.Payload,
		TimestampMS: time.Now().UTC().UnixMilli(),
	})
	if !s.trySend(env) {
		return false
	}
	s.activeMu.Lock()
	s.delivered[sig.ID] = true
	s.activeMu.Unlock()
	return true
}

func (s *Session) handleHeartbeat(hb Heartbeat) {
	metrics.RecordHeartbeat()
	if err := s.d.store.TouchWorker(s.sessCtx, s.workerID); err != nil {
		s.log.Error().Err(err).Msg("failed to touch worker heartbeat")
	}

	var owned []string
	for _, taskID := range hb.ActiveTaskIDs {
		s.activeMu.Lock()
		ar := s.active[taskID]
		s.activeMu.Unlock()
		if ar == nil {
			// The server no longer tracks this task for the worker.
			s.trySend(newEnvelope(KindTaskCancellation, TaskCancellation{
				TaskID: taskID,
				Reason: "not tracked by server",
			}))
			continue
		}
		owned = append(owned, taskID)

		if !ar.running {
			t, moved, err := s.d.store.MarkRunning(s.sessCtx, taskID)
			if err != nil {
				s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task running")
			} else if moved {
				s.activeMu.Lock()
				ar.running = true
				s.activeMu.Unlock()
				s.d.bus.Publish(events.NewTransition(t.ID, t.QueueName, task.StatusDispatching, task.StatusRunning).
					WithWorker(s.workerID, s.d.nodeID, ar.attemptNumber))
				metrics.RecordTaskTransition(t.QueueName, task.StatusRunning.String())
			}
		}
	}

	held, err := s.d.store.ExtendLeases(s.sessCtx, s.workerID, owned, s.d.cfg.LeaseDuration)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to extend leases")
	} else {
		heldSet := make(map[string]bool, len(held))
		for _, id := range held {
			heldSet[id] = true
		}
		for _, id := range owned {
			if !heldSet[id] {
				s.trySend(newEnvelope(KindTaskCancellation, TaskCancellation{
					TaskID: id,
					Reason: "lease no longer held",
				}))
			}
		}
	}

	s.sendBlocking(newEnvelope(KindHeartbeatAck, HeartbeatAck{
		ServerTimestampMS: time.Now().UTC().UnixMilli(),
	}))
}

func (s *Session) handleResult(res TaskResult) {
	s.activeMu.Lock()
	ar := s.active[res.TaskID]
	s.activeMu.Unlock()
	if ar == nil || ar.runID != res.TaskRunID {
		// Out-of-order result for a task this worker does not own; it must
		// not perturb another worker's run.
		s.log.Warn().
			Str("task_id", res.TaskID).
			Str("task_run_id", res.TaskRunID).
			Msg("ignoring result for unowned task run")
		return
	}

	s.activeMu.Lock()
	cancelled := ar.cancelled
	s.activeMu.Unlock()

	var t *task.Task
	var prev task.Status
	var err error
	if cancelled {
		// The task was cancelled while running: whatever the result says,
		// the run is recorded as failed with reason "cancelled".
		t, prev, err = s.d.store.FailRun(s.sessCtx, res.TaskID, res.TaskRunID, "cancelled", false, task.RunStatusFailed)
	} else if res.Success {
		t, prev, err = s.d.store.CompleteRun(s.sessCtx, res.TaskID, res.TaskRunID, res.Output)
	} else {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "task failed"
		}
		t, prev, err = s.d.store.FailRun(s.sessCtx, res.TaskID, res.TaskRunID, msg, res.Retryable, task.RunStatusFailed)
	}
	if err != nil {
		s.log.Error().Err(err).Str("task_id", res.TaskID).Msg("failed to record task result")
		return
	}

	if t.Status != prev {
		ev := events.NewTransition(t.ID, t.QueueName, prev, t.Status).
			WithWorker(s.workerID, s.d.nodeID, ar.attemptNumber)
		if t.ErrorMessage != nil {
			ev = ev.WithError(*t.ErrorMessage)
		}
		s.d.bus.Publish(ev)
		metrics.RecordTaskTransition(t.QueueName, t.Status.String())
		if t.Status == task.StatusRetry {
			metrics.RecordTaskRetry(t.QueueName)
		}
	}
	metrics.RecordRunDuration(ar.queue, time.Since(ar.assignedAt).Seconds())

	s.dropActive(res.TaskID, ar)
	close(ar.done)

	s.log.Info().
		Str("task_id", res.TaskID).
		Str("task_run_id", res.TaskRunID).
		Bool("success", res.Success).
		Str("status", t.Status.String()).
		Msg("task result recorded")
}

func (s *Session) handleSignalAck(ack SignalAck) {
	if err := s.d.store.MarkSignalAcknowledged(s.sessCtx, ack.SignalID); err != nil {
		s.log.Error().Err(err).Str("signal_id", ack.SignalID).Msg("failed to record signal ack")
		return
	}
	s.activeMu.Lock()
	delete(s.delivered, ack.SignalID)
	s.activeMu.Unlock()
	metrics.RecordSignal("acknowledged")
}

// markCancelled flags an in-flight run so its eventual result is recorded
// as a cancellation, whatever the success flag says.
func (s *Session) markCancelled(taskID string) {
	s.activeMu.Lock()
	if ar := s.active[taskID]; ar != nil {
		ar.cancelled = true
	}
	s.activeMu.Unlock()
}

func (s *Session) dropActive(taskID string, ar *activeRun) {
	s.activeMu.Lock()
	if s.active[taskID] == ar {
		delete(s.active, taskID)
	}
	s.activeMu.Unlock()
	s.d.untrackOwner(taskID, s)
}

func (s *Session) activeCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return len(s.active)
}

// drain stops new assignments and lets in-flight runs complete until the
// drain deadline, after which the session is torn down and any leftover
// leases fall to the reaper.
func (s *Session) drain() {
	s.drainOnce.Do(func() {
		s.setState(StateDraining)
		s.parkCancel()
		s.worker.Drain()

		if err := s.d.store.SetWorkerStatus(s.sessCtx, s.workerID, task.WorkerStatusDraining); err != nil {
			s.log.Error().Err(err).Msg("failed to mark worker draining")
		}
		s.d.bus.Publish(events.NewWorkerEvent(events.EventWorkerDraining, s.workerID, s.d.nodeID))

		deadline := time.AfterFunc(s.d.cfg.DrainDeadline, func() {
			s.terminate("drain deadline exceeded")
		})
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			defer deadline.Stop()
			for {
				select {
				case <-s.sessCtx.Done():
					return
				case <-ticker.C:
					if s.activeCount() == 0 {
						s.terminate("drained")
						return
					}
				}
			}
		}()
	})
}

// terminate tears the session down exactly once: waiters cancelled, worker
// marked DISCONNECTED, delivered-unacked signals reverted to PENDING, and
// tasks still leased left for the reaper.
func (s *Session) terminate(reason string) {
	s.termOnce.Do(func() {
		s.setState(StateTerminated)
		s.sessCancel()
		_ = s.conn.Close()

		if s.worker != nil {
			// The session context is gone; cleanup gets its own deadline.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.d.store.SetWorkerStatus(ctx, s.workerID, task.WorkerStatusDisconnected); err != nil {
				s.log.Error().Err(err).Msg("failed to mark worker disconnected")
			}

			s.activeMu.Lock()
			unacked := make([]string, 0, len(s.delivered))
			for id := range s.delivered {
				unacked = append(unacked, id)
			}
			s.delivered = make(map[string]bool)
			s.activeMu.Unlock()
			if err := s.d.store.RevertSignals(ctx, unacked); err != nil {
				s.log.Error().Err(err).Msg("failed to revert unacked signals")
			}

			s.d.bus.Publish(events.NewWorkerEvent(events.EventWorkerLeft, s.workerID, s.d.nodeID))
			metrics.DropOutboundChannelDepth(s.workerID)
		}

		s.d.unregister(s)
		s.log.Info().Str("reason", reason).Msg("worker session terminated")
	})
}

func (s *Session) closeWithStatus(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
