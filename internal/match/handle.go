package match

import (
	"context"
	"sync"

	"github.com/iwhitebird/valka/internal/task"
)

type queueKey struct {
	queue     string
	partition int32
}

// Handle is a single-shot delivery primitive: once fulfilled or cancelled it
// is inert. A worker awaits it after parking; the matching
// engine fulfils it at most once even though the handle may be registered
// as a waiter in several (queue, partition) lists simultaneously.
type Handle struct {
	workerID    string
	resultCh    chan task.Summary
	mu          sync.Mutex
	claimed     bool
	leftTree    bool
	memberships []queueKey
}

func newHandle(workerID string) *Handle {
	return &Handle{
		workerID: workerID,
		resultCh: make(chan task.Summary, 1),
	}
}

// tryClaim marks the handle fulfilled-or-cancelled exactly once. It is safe
// to call concurrently from multiple waiter-list pops; only the first
// caller gets true.
func (h *Handle) tryClaim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claimed {
		return false
	}
	h.claimed = true
	return true
}

// Await blocks until the handle is fulfilled with a task or ctx is done.
// On a context cancellation the caller must still call Engine.CancelWait to
// release any outstanding waiter entries.
func (h *Handle) Await(ctx context.Context) (task.Summary, bool) {
	select {
	case s := <-h.resultCh:
		return s, true
	case <-ctx.Done():
		return task.Summary{}, false
	}
}

// WorkerID returns the identity stamp the handle was parked with.
func (h *Handle) WorkerID() string {
	return h.workerID
}
