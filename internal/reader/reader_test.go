package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/task"
)

func init() {
	logger.Init("error", false)
}

type fakeStore struct {
	rows    map[int32][]task.Summary
	claims  int
	batches []int
}

func (f *fakeStore) ClaimPending(_ context.Context, queues []string, partitionID int32, limit int, offer func(task.Summary) bool) (int, error) {
	f.claims++
	offered := 0
	rows := f.rows[partitionID]
	if limit < len(rows) {
		rows = rows[:limit]
	}
	for _, s := range rows {
		if !offer(s) {
			break
		}
		offered++
	}
	f.batches = append(f.batches, offered)
	return offered, nil
}

type fakeMatcher struct {
	ready      []match.ReadyPartition
	slots      map[int32]task.Summary
	drained    []int32
	dispatched []string
	buffered   bool // result for offers once dispatch capacity is gone
	capacity   int
}

func (f *fakeMatcher) ReadyPartitions() []match.ReadyPartition {
	return f.ready
}

func (f *fakeMatcher) TakeBuffered(partitionID int32) (task.Summary, bool) {
	f.drained = append(f.drained, partitionID)
	s, ok := f.slots[partitionID]
	if ok {
		delete(f.slots, partitionID)
	}
	return s, ok
}

func (f *fakeMatcher) OfferTask(s task.Summary) match.Result {
	if f.capacity > 0 {
		f.capacity--
		f.dispatched = append(f.dispatched, s.TaskID)
		return match.Result{Dispatched: true, WorkerID: "w1"}
	}
	return match.Result{Buffered: f.buffered}
}

func testConfig() *config.ReaderConfig {
	return &config.ReaderConfig{TickInterval: 10 * time.Millisecond, BatchSize: 32, Parallelism: 1}
}

func TestTick_NoReadyPartitionsIsNoOp(t *testing.T) {
	store := &fakeStore{}
	matcher := &fakeMatcher{}
	r := New(store, matcher, testConfig())

	r.Tick(context.Background())

	assert.Equal(t, 0, store.claims, "tick must not touch the store with no ready partition")
}

func TestTick_OffersClaimedRowsInOrder(t *testing.T) {
	store := &fakeStore{rows: map[int32][]task.Summary{
		3: {
			{TaskID: "t-high", QueueName: "emails", PartitionID: 3, Priority: 5},
			{TaskID: "t-old", QueueName: "emails", PartitionID: 3, Priority: 0},
		},
	}}
	matcher := &fakeMatcher{
		ready:    []match.ReadyPartition{{Partition: 3, Queues: []string{"emails"}}},
		capacity: 2,
	}
	r := New(store, matcher, testConfig())

	r.Tick(context.Background())

	require.Equal(t, []string{"t-high", "t-old"}, matcher.dispatched,
		"rows are offered in the order the claim query returned them")
}

func TestTick_StopsBatchWhenOfferIsNotDispatched(t *testing.T) {
	store := &fakeStore{rows: map[int32][]task.Summary{
		0: {
			{TaskID: "t1", QueueName: "emails", PartitionID: 0},
			{TaskID: "t2", QueueName: "emails", PartitionID: 0},
			{TaskID: "t3", QueueName: "emails", PartitionID: 0},
		},
	}}
	matcher := &fakeMatcher{
		ready:    []match.ReadyPartition{{Partition: 0, Queues: []string{"emails"}}},
		capacity: 1,
	}
	r := New(store, matcher, testConfig())

	r.Tick(context.Background())

	assert.Equal(t, []string{"t1"}, matcher.dispatched)
	require.Len(t, store.batches, 1)
	assert.Equal(t, 1, store.batches[0], "remaining rows stay in the store for the next tick")
}

func TestTick_DrainsBufferedSlotBeforeClaiming(t *testing.T) {
	// A buffered low-priority task must not outrun a higher-priority row:
	// the slot is emptied and the claim's ordering decides delivery.
	store := &fakeStore{rows: map[int32][]task.Summary{
		0: {
			{TaskID: "t-high", QueueName: "emails", PartitionID: 0, Priority: 5},
			{TaskID: "t-buffered", QueueName: "emails", PartitionID: 0, Priority: 0},
		},
	}}
	matcher := &fakeMatcher{
		ready:    []match.ReadyPartition{{Partition: 0, Queues: []string{"emails"}}},
		slots:    map[int32]task.Summary{0: {TaskID: "t-buffered", QueueName: "emails", PartitionID: 0}},
		capacity: 2,
	}
	r := New(store, matcher, testConfig())

	r.Tick(context.Background())

	assert.Equal(t, []int32{0}, matcher.drained, "slot must be drained before the claim")
	assert.Empty(t, matcher.slots)
	assert.Equal(t, []string{"t-high", "t-buffered"}, matcher.dispatched)
}

func TestTick_ClaimsEveryReadyPartition(t *testing.T) {
	store := &fakeStore{rows: map[int32][]task.Summary{
		0: {{TaskID: "a", QueueName: "emails", PartitionID: 0}},
		1: {{TaskID: "b", QueueName: "reports", PartitionID: 1}},
	}}
	matcher := &fakeMatcher{
		ready: []match.ReadyPartition{
			{Partition: 0, Queues: []string{"emails"}},
			{Partition: 1, Queues: []string{"reports"}},
		},
		capacity: 2,
	}
	r := New(store, matcher, testConfig())

	r.Tick(context.Background())

	assert.Equal(t, 2, store.claims)
	assert.ElementsMatch(t, []string{"a", "b"}, matcher.dispatched)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	matcher := &fakeMatcher{}
	r := New(store, matcher, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not stop on context cancel")
	}
}
