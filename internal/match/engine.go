// Package match implements the in-memory matching engine: it pairs
// an offered task with a waiting worker without touching the durable store
// on the hot path, buffering at most one task per partition otherwise.
package match

import (
	"sort"
	"sync"

	"github.com/iwhitebird/valka/internal/partition"
	"github.com/iwhitebird/valka/internal/task"
)

type waiterEntry struct {
	workerID string
	handle   *Handle
}

// Result is what OfferTask tells the caller: either the task was handed
// off to a worker, or it was buffered in the partition's single slot, or
// neither, in which case the caller must rely on the durable store.
type Result struct {
	Dispatched bool
	WorkerID   string
	Buffered   bool
}

// Engine owns the per-partition waiting-task slots and the per-(queue,
// partition) waiting-worker FIFOs. All state is in-memory; consistency
// with the durable store is maintained by the cold-path reader.
type Engine struct {
	tree *partition.Tree

	mu      sync.Mutex
	slots   map[int32]task.Summary
	waiters map[queueKey][]*waiterEntry

	routeAttempts int
}

// NewEngine constructs a matching engine bound to the given partition tree.
func NewEngine(tree *partition.Tree) *Engine {
	attempts := 4
	return &Engine{
		tree:          tree,
		slots:         make(map[int32]task.Summary),
		waiters:       make(map[queueKey][]*waiterEntry),
		routeAttempts: attempts,
	}
}

// Tree returns the partition tree the engine routes over.
func (e *Engine) Tree() *partition.Tree {
	return e.tree
}

// OfferTask pairs a task with a waiter. It is called after a durable insert by the
// creator and by the Task Reader for cold-path rows.
func (e *Engine) OfferTask(s task.Summary) Result {
	natural := queueKey{queue: s.QueueName, partition: s.PartitionID}
	if workerID, ok := e.popLiveWaiter(natural, s); ok {
		return Result{Dispatched: true, WorkerID: workerID}
	}

	if workerID, ok := e.routeAndPop(s); ok {
		return Result{Dispatched: true, WorkerID: workerID}
	}

	return Result{Buffered: e.tryBuffer(s)}
}

// routeAndPop consults the partition tree for another partition with
// waiting workers on this queue, retrying a bounded number of times since
// the tree's counters are per-partition, not per-(queue, partition), and
// may point at a partition with no waiter for this specific queue.
func (e *Engine) routeAndPop(s task.Summary) (string, bool) {
	tried := map[int32]bool{s.PartitionID: true}
	hint := s.PartitionID

	for attempt := 0; attempt < e.routeAttempts; attempt++ {
		if e.tree.RootWaiting() <= 0 {
			return "", false
		}
		routed := int32(e.tree.Route(int(hint)))
		if tried[routed] {
			return "", false
		}
		tried[routed] = true
		hint = routed

		if workerID, ok := e.popLiveWaiter(queueKey{queue: s.QueueName, partition: routed}, s); ok {
			return workerID, true
		}
	}
	return "", false
}

// tryBuffer places the task into its partition's single slot if empty. It
// never displaces an existing buffered task.
func (e *Engine) tryBuffer(s task.Summary) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, occupied := e.slots[s.PartitionID]; occupied {
		return false
	}
	e.slots[s.PartitionID] = s
	return true
}

// TakeBuffered removes and returns the buffered task for a partition, if
// any. A buffered task's row is still PENDING in the store, so emptying the
// slot ahead of a claim batch lets the claim's priority ordering decide
// when the formerly buffered task is delivered; delivery order must not
// depend on which task happened to win the slot.
func (e *Engine) TakeBuffered(partitionID int32) (task.Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[partitionID]
	if ok {
		delete(e.slots, partitionID)
	}
	return s, ok
}

// ReadyPartition is one partition the reader should claim for: the named
// queues have at least one parked waiter there.
type ReadyPartition struct {
	Partition int32
	Queues    []string
}

// ReadyPartitions returns the claim targets for the reader's next tick,
// with the queue set to scope each partition's claim batch to. A partition
// with an occupied slot is still a claim target: the reader drains the
// slot first so the buffered task competes on priority with the other
// PENDING rows instead of jumping the queue.
func (e *Engine) ReadyPartitions() []ReadyPartition {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPartition := make(map[int32]map[string]bool)
	for key, list := range e.waiters {
		if len(list) == 0 {
			continue
		}
		qs := byPartition[key.partition]
		if qs == nil {
			qs = make(map[string]bool)
			byPartition[key.partition] = qs
		}
		qs[key.queue] = true
	}

	out := make([]ReadyPartition, 0, len(byPartition))
	for p, qs := range byPartition {
		rp := ReadyPartition{Partition: p}
		for q := range qs {
			rp.Queues = append(rp.Queues, q)
		}
		sort.Strings(rp.Queues)
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// popLiveWaiter pops waiters off the FIFO for key until it finds one that
// successfully claims the handle (not already cancelled/matched elsewhere)
// or the list is exhausted. The engine mutex is held only for the list
// pop itself; claiming and delivery happen after it is released, so a
// partition guard is never held across the handle operations.
func (e *Engine) popLiveWaiter(key queueKey, s task.Summary) (string, bool) {
	for {
		e.mu.Lock()
		list := e.waiters[key]
		if len(list) == 0 {
			e.mu.Unlock()
			return "", false
		}
		entry := list[0]
		e.waiters[key] = list[1:]
		e.mu.Unlock()

		if entry.handle.tryClaim() {
			entry.handle.resultCh <- s
			e.leaveTree(entry.handle)
			return entry.workerID, true
		}
		// Already cancelled or matched via another membership: a benign
		// miss, keep popping.
	}
}

// ParkWorker publishes a waiter into each (queue, partition) the worker
// subscribes to and returns a handle the caller awaits. A waiter may
// appear in multiple queue lists; matched-at-most-once is enforced by the
// handle's claim. partitionPreference, when non-nil, pins every queue's
// waiter to that partition instead of the queue's natural hash partition;
// this is what lets OfferTask's tree routing find a worker for a queue
// parked away from its natural partition.
func (e *Engine) ParkWorker(workerID string, queues []string, partitionPreference *int32) *Handle {
	h := newHandle(workerID)
	if len(queues) == 0 {
		return h
	}

	e.mu.Lock()
	for _, q := range queues {
		p := partition.Hash(q, e.tree.LeafCount())
		if partitionPreference != nil {
			p = *partitionPreference
		}
		key := queueKey{queue: q, partition: p}
		e.waiters[key] = append(e.waiters[key], &waiterEntry{workerID: workerID, handle: h})
		h.memberships = append(h.memberships, key)
	}
	e.mu.Unlock()

	for _, m := range h.memberships {
		e.tree.OnWorkerWait(int(m.partition))
	}
	return h
}

// CancelWait idempotently removes any outstanding waiter entries tied to
// this handle. A cancelled handle may never be fulfilled afterward.
func (e *Engine) CancelWait(h *Handle) {
	if !h.tryClaim() {
		return
	}
	e.leaveTree(h)
}

// leaveTree decrements the tree counters for every (queue, partition) the
// handle was parked in, exactly once regardless of whether it was matched
// or cancelled. Stale entries in the waiter lists are removed lazily the
// next time they are popped.
func (e *Engine) leaveTree(h *Handle) {
	h.mu.Lock()
	if h.leftTree {
		h.mu.Unlock()
		return
	}
	h.leftTree = true
	memberships := h.memberships
	h.mu.Unlock()

	for _, m := range memberships {
		e.tree.OnWorkerLeave(int(m.partition))
	}
}
