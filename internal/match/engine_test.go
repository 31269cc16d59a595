package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/internal/partition"
	"github.com/iwhitebird/valka/internal/task"
)

func newTestEngine(leafCount, fanout int) *Engine {
	return NewEngine(partition.New(leafCount, fanout))
}

func TestOfferTask_DispatchesToNaturalWaiter(t *testing.T) {
	e := newTestEngine(4, 4)
	h := e.ParkWorker("w1", []string{"emails"}, nil)
	partitionID := partition.Hash("emails", 4)

	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: partitionID})

	require.True(t, res.Dispatched)
	assert.Equal(t, "w1", res.WorkerID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, ok := h.Await(ctx)
	require.True(t, ok)
	assert.Equal(t, "t1", s.TaskID)
}

func TestOfferTask_BuffersWhenNoWaiter(t *testing.T) {
	e := newTestEngine(4, 4)

	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: 0})

	assert.False(t, res.Dispatched)
	assert.True(t, res.Buffered)

	s, ok := e.TakeBuffered(0)
	require.True(t, ok)
	assert.Equal(t, "t1", s.TaskID)
}

func TestOfferTask_SecondOfferToOccupiedSlotIsNotBuffered(t *testing.T) {
	e := newTestEngine(4, 4)

	first := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: 0})
	second := e.OfferTask(task.Summary{TaskID: "t2", QueueName: "emails", PartitionID: 0})

	assert.True(t, first.Buffered)
	assert.False(t, second.Buffered)
	assert.False(t, second.Dispatched)

	s, ok := e.TakeBuffered(0)
	require.True(t, ok)
	assert.Equal(t, "t1", s.TaskID, "older buffered task must be unaffected by the second offer")
}

func TestParkWorker_MatchedAtMostOnce(t *testing.T) {
	e := newTestEngine(4, 4)
	h := e.ParkWorker("w1", []string{"emails", "reports"}, nil)

	emailsPartition := partition.Hash("emails", 4)
	reportsPartition := partition.Hash("reports", 4)

	res1 := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: emailsPartition})
	require.True(t, res1.Dispatched)

	res2 := e.OfferTask(task.Summary{TaskID: "t2", QueueName: "reports", PartitionID: reportsPartition})
	assert.False(t, res2.Dispatched, "a handle fulfilled once must not be matched again from its other membership")

	_ = h
}

func TestCancelWait_PreventsLaterMatch(t *testing.T) {
	e := newTestEngine(4, 4)
	h := e.ParkWorker("w1", []string{"emails"}, nil)
	e.CancelWait(h)

	partitionID := partition.Hash("emails", 4)
	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: partitionID})

	assert.False(t, res.Dispatched)
	assert.True(t, res.Buffered)
}

func TestCancelWait_IsIdempotent(t *testing.T) {
	e := newTestEngine(4, 4)
	h := e.ParkWorker("w1", []string{"emails"}, nil)

	assert.NotPanics(t, func() {
		e.CancelWait(h)
		e.CancelWait(h)
	})
}

func TestOfferTask_RoutesToOtherPartitionWhenNaturalHasNoWaiter(t *testing.T) {
	e := newTestEngine(16, 4)
	natural := partition.Hash("emails", 16)
	var elsewhere int32
	for elsewhere = 0; elsewhere == natural; elsewhere++ {
	}
	// Worker pins itself to a non-natural partition for this queue; the
	// offer must be re-homed there via the tree rather than buffering.
	h := e.ParkWorker("w1", []string{"emails"}, &elsewhere)

	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: natural})

	require.True(t, res.Dispatched)
	assert.Equal(t, "w1", res.WorkerID)
	_ = h
}

func TestReadyPartitions_ScopesQueuesPerPartition(t *testing.T) {
	e := newTestEngine(4, 4)
	e.ParkWorker("w1", []string{"emails"}, nil)
	emailsPartition := partition.Hash("emails", 4)

	ready := e.ReadyPartitions()

	require.Len(t, ready, 1)
	assert.Equal(t, emailsPartition, ready[0].Partition)
	assert.Equal(t, []string{"emails"}, ready[0].Queues)
}

func TestReadyPartitions_IncludesOccupiedSlots(t *testing.T) {
	e := newTestEngine(4, 4)
	emailsPartition := partition.Hash("emails", 4)

	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: emailsPartition})
	require.True(t, res.Buffered)

	e.ParkWorker("w1", []string{"emails"}, nil)

	// An occupied slot does not hide the partition from the reader: the
	// reader drains the slot and lets its priority-ordered claim decide
	// what the waiter receives.
	ready := e.ReadyPartitions()
	require.Len(t, ready, 1)
	assert.Equal(t, emailsPartition, ready[0].Partition)
}

func TestParkWorker_DoesNotShortcutBufferedTask(t *testing.T) {
	e := newTestEngine(4, 4)
	emailsPartition := partition.Hash("emails", 4)

	res := e.OfferTask(task.Summary{TaskID: "t1", QueueName: "emails", PartitionID: emailsPartition})
	require.True(t, res.Buffered)

	h := e.ParkWorker("w1", []string{"emails"}, nil)

	// The buffered task must not be handed over at park time: its store row
	// is still PENDING and may be outranked by a higher-priority row only
	// the reader's claim can see.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := h.Await(ctx)
	assert.False(t, ok)

	_, stillBuffered := e.TakeBuffered(emailsPartition)
	assert.True(t, stillBuffered)
	assert.Equal(t, int64(1), e.Tree().RootWaiting())
}
