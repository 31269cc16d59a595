package logs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/task"
)

func init() {
	logger.Init("error", false)
}

type fakeLogStore struct {
	mu      sync.Mutex
	writes  [][]task.LogEntry
	failAll bool
}

func (f *fakeLogStore) InsertLogEntries(_ context.Context, entries []task.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("store down")
	}
	cp := make([]task.LogEntry, len(entries))
	copy(cp, entries)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeLogStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		n += len(w)
	}
	return n
}

func entries(runID string, n int) []task.LogEntry {
	out := make([]task.LogEntry, n)
	for i := range out {
		out[i] = task.LogEntry{
			TaskRunID: runID,
			Severity:  task.SeverityInfo,
			Message:   "line",
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestIngester_FlushesOnInterval(t *testing.T) {
	st := &fakeLogStore{}
	i := NewIngester(st)
	i.flushEvery = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	i.Start(ctx)

	i.Submit(entries("r1", 3))

	eventually(t, func() bool { return st.total() == 3 }, "entries were not flushed on interval")
}

func TestIngester_FlushesWhenBatchFull(t *testing.T) {
	st := &fakeLogStore{}
	i := NewIngester(st)
	i.batchSize = 4
	i.flushEvery = time.Hour // interval must not be the trigger here

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	i.Start(ctx)

	i.Submit(entries("r1", 4))

	eventually(t, func() bool { return st.total() == 4 }, "full batch was not flushed")
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.writes, 1)
}

func TestIngester_StampsMissingTimestamps(t *testing.T) {
	st := &fakeLogStore{}
	i := NewIngester(st)
	i.flushEvery = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	i.Start(ctx)

	i.Submit([]task.LogEntry{{TaskRunID: "r1", Message: "no ts"}})

	eventually(t, func() bool { return st.total() == 1 }, "entry was not flushed")
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.False(t, st.writes[0][0].Timestamp.IsZero())
}

func TestIngester_DropsBatchOnStoreError(t *testing.T) {
	st := &fakeLogStore{failAll: true}
	i := NewIngester(st)
	i.flushEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	i.Start(ctx)

	i.Submit(entries("r1", 2))
	time.Sleep(50 * time.Millisecond)

	// Recovery: later batches still flow once the store is healthy again.
	st.mu.Lock()
	st.failAll = false
	st.mu.Unlock()
	i.Submit(entries("r2", 1))

	eventually(t, func() bool { return st.total() == 1 }, "ingester did not recover after a dropped batch")
}

func TestIngester_DrainsOnShutdown(t *testing.T) {
	st := &fakeLogStore{}
	i := NewIngester(st)
	i.flushEvery = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	i.Start(ctx)

	i.Submit(entries("r1", 5))
	cancel()
	i.Wait()

	assert.Equal(t, 5, st.total(), "buffered entries must be drained on shutdown")
}
