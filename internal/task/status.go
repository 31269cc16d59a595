package task

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Task.
type Status int

const (
	StatusPending Status = iota
	StatusDispatching
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusRetry
	StatusDeadLetter
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDispatching:
		return "dispatching"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRetry:
		return "retry"
	case StatusDeadLetter:
		return "dead_letter"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "dispatching":
		return StatusDispatching
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "retry":
		return StatusRetry
	case "dead_letter":
		return StatusDeadLetter
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// IsTerminal reports whether the status is absorbing: COMPLETED, CANCELLED
// and DEAD_LETTER never transition further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeadLetter
}

var (
	ErrInvalidTransition = errors.New("task: invalid state transition")
	ErrTaskNotFound      = errors.New("task: not found")
	ErrTaskAlreadyExists = errors.New("task: idempotency key already exists")
	ErrRunNotFound       = errors.New("task: run not found")
)

// validTransitions encodes the task lifecycle: a task in DISPATCHING can
// fall back to PENDING when the dispatcher's outbound push fails before the
// worker ever saw the assignment.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusDispatching, StatusCancelled},
	StatusDispatching: {StatusRunning, StatusPending, StatusCancelled},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusRetry, StatusCancelled},
	StatusRetry:       {StatusPending, StatusCancelled},
	StatusFailed:      {StatusDeadLetter},
	StatusCompleted:   {},
	StatusCancelled:   {},
	StatusDeadLetter:  {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// StateMachine mutates a Task's status field, enforcing the lifecycle's transitions
// and stamping the timing fields the transition implies.
type StateMachine struct {
	task *Task
}

func NewStateMachine(t *Task) *StateMachine {
	return &StateMachine{task: t}
}

func (sm *StateMachine) Transition(target Status) error {
	if !sm.task.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	sm.task.Status = target
	sm.task.UpdatedAt = time.Now().UTC()
	return nil
}

// Dispatch moves a PENDING/RETRY-promoted task into DISPATCHING, the first
// half of the hot-path hand-off.
func (sm *StateMachine) Dispatch() error {
	return sm.Transition(StatusDispatching)
}

// RevertDispatch undoes a DISPATCHING assignment that never reached the
// worker (outbound channel full), returning the task to PENDING.
func (sm *StateMachine) RevertDispatch() error {
	return sm.Transition(StatusPending)
}

// Run marks the task RUNNING once the worker's heartbeat confirms receipt.
func (sm *StateMachine) Run() error {
	return sm.Transition(StatusRunning)
}

// Complete marks the task COMPLETED with its output payload.
func (sm *StateMachine) Complete(output []byte) error {
	if err := sm.Transition(StatusCompleted); err != nil {
		return err
	}
	sm.task.Output = output
	sm.task.ErrorMessage = nil
	return nil
}

// FailRetryable records a retryable failure. If retry budget remains, one
// unit is consumed and the task is scheduled for retry at retryAt;
// otherwise it becomes a terminal FAILED awaiting dead-letter capture.
// attempt_count therefore counts consumed retry budget and only ever moves
// on this path.
func (sm *StateMachine) FailRetryable(errMsg string, retryAt time.Time) error {
	if sm.task.AttemptCount < sm.task.MaxRetries {
		if err := sm.Transition(StatusRetry); err != nil {
			return err
		}
		sm.task.AttemptCount++
		sm.task.ErrorMessage = &errMsg
		sm.task.ScheduledAt = &retryAt
		return nil
	}
	return sm.FailTerminal(errMsg)
}

// FailTerminal records a non-retryable failure. retryable=false is
// terminal regardless of attempt_count.
func (sm *StateMachine) FailTerminal(errMsg string) error {
	if err := sm.Transition(StatusFailed); err != nil {
		return err
	}
	sm.task.ErrorMessage = &errMsg
	return nil
}

// Cancel transitions the task to CANCELLED from PENDING, DISPATCHING,
// RUNNING or RETRY. A FAILED task cannot be cancelled.
func (sm *StateMachine) Cancel() error {
	return sm.Transition(StatusCancelled)
}

// MoveToDeadLetter transitions a FAILED task into DEAD_LETTER; the caller is
// responsible for writing the accompanying dead-letter row atomically.
func (sm *StateMachine) MoveToDeadLetter() error {
	return sm.Transition(StatusDeadLetter)
}
