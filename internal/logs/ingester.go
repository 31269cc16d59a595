// Package logs buffers worker log batches and persists them in small
// groups: up to a batch-size worth of entries or a flush interval,
// whichever fires first. Writes are best-effort; a failed group is dropped
// with a metric rather than back-pressuring the worker stream.
package logs

import (
	"context"
	"sync"
	"time"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/task"
)

const (
	defaultBatchSize   = 256
	defaultFlushEvery  = 200 * time.Millisecond
	submitChannelDepth = 4096
)

// LogStore is the slice of the durable store the ingester writes to.
type LogStore interface {
	InsertLogEntries(ctx context.Context, entries []task.LogEntry) error
}

// Ingester is the buffered sink behind the dispatcher's LogBatch handling.
type Ingester struct {
	store      LogStore
	in         chan task.LogEntry
	batchSize  int
	flushEvery time.Duration
	wg         sync.WaitGroup
}

// NewIngester creates an ingester with the default grouping policy.
func NewIngester(store LogStore) *Ingester {
	return &Ingester{
		store:      store,
		in:         make(chan task.LogEntry, submitChannelDepth),
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
	}
}

// Start launches the flush loop. It drains what it has and exits when ctx
// is cancelled.
func (i *Ingester) Start(ctx context.Context) {
	i.wg.Add(1)
	go i.loop(ctx)
	log := logger.WithComponent("log-ingester")
	log.Info().
		Int("batch_size", i.batchSize).
		Dur("flush_every", i.flushEvery).
		Msg("log ingester started")
}

// Wait blocks until the flush loop has exited.
func (i *Ingester) Wait() {
	i.wg.Wait()
}

// Submit hands a batch of entries to the ingester. Entries without a
// timestamp are stamped on arrival. Blocks only when the buffer is full.
func (i *Ingester) Submit(entries []task.LogEntry) {
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		i.in <- e
	}
}

func (i *Ingester) loop(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.flushEvery)
	defer ticker.Stop()

	batch := make([]task.LogEntry, 0, i.batchSize)
	for {
		select {
		case <-ctx.Done():
			// Final drain of whatever is already buffered.
			for {
				select {
				case e := <-i.in:
					batch = append(batch, e)
					if len(batch) >= i.batchSize {
						i.flush(batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			i.flush(batch)
			return
		case e := <-i.in:
			batch = append(batch, e)
			if len(batch) >= i.batchSize {
				i.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			i.flush(batch)
			batch = batch[:0]
		}
	}
}

// flush writes one group; on store error the group is dropped with a
// metric.
func (i *Ingester) flush(batch []task.LogEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := i.store.InsertLogEntries(ctx, batch); err != nil {
		metrics.RecordLogBatchDropped()
		log := logger.WithComponent("log-ingester")
		log.Error().
			Err(err).
			Int("dropped", len(batch)).
			Msg("log batch dropped on store error")
		return
	}
	metrics.RecordLogEntries(float64(len(batch)))
}
