package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/task"
)

func init() {
	logger.Init("error", false)
}

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	s1 := b.Subscribe(8)
	s2 := b.Subscribe(8)

	b.Publish(NewTransition("t1", "emails", task.StatusPending, task.StatusDispatching))

	e1 := <-s1.C()
	e2 := <-s2.C()
	assert.Equal(t, "t1", e1.TaskID)
	assert.Equal(t, "t1", e2.TaskID)
	assert.Equal(t, EventTaskDispatching, e1.Type)
}

func TestBus_SlowSubscriberLosesOldestNotNewest(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(2)

	b.Publish(NewTransition("t1", "emails", task.StatusPending, task.StatusDispatching))
	b.Publish(NewTransition("t2", "emails", task.StatusPending, task.StatusDispatching))
	b.Publish(NewTransition("t3", "emails", task.StatusPending, task.StatusDispatching))

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, "t2", first.TaskID, "oldest event must be the one evicted")
	assert.Equal(t, "t3", second.TaskID)
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus()
	defer b.Close()

	// A subscriber nobody reads from must not block the producer.
	_ = b.Subscribe(1)

	for i := 0; i < 100; i++ {
		b.Publish(NewTransition("t", "emails", task.StatusPending, task.StatusDispatching))
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)

	b.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	// Idempotent
	b.Unsubscribe(sub)
}

func TestBus_PublishAfterUnsubscribeIsSafe(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	b.Publish(NewTransition("t1", "emails", task.StatusPending, task.StatusCancelled))
}

func TestNewTransition_SetsVocabularyAndTimestamp(t *testing.T) {
	e := NewTransition("t1", "emails", task.StatusRunning, task.StatusCompleted)

	require.NotEmpty(t, e.ID)
	assert.Equal(t, EventTaskCompleted, e.Type)
	assert.Equal(t, task.StatusRunning, e.PreviousStatus)
	assert.Equal(t, task.StatusCompleted, e.NewStatus)
	assert.NotZero(t, e.TimestampMS)
}

func TestEvent_WithWorkerAndError(t *testing.T) {
	e := NewTransition("t1", "emails", task.StatusRunning, task.StatusFailed).
		WithWorker("w1", "node-a", 2).
		WithError("boom")

	assert.Equal(t, "w1", e.WorkerID)
	assert.Equal(t, "node-a", e.NodeID)
	assert.Equal(t, int32(2), e.AttemptNumber)
	assert.Equal(t, "boom", e.ErrorMessage)
}

func TestEvent_ToJSON(t *testing.T) {
	e := NewTransition("t1", "emails", task.StatusPending, task.StatusDispatching)

	data, err := e.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"task.dispatching"`)
	assert.Contains(t, string(data), `"new_status":"dispatching"`)
}
