// Package reader drains the cold path: a background loop that claims due
// PENDING rows under skip-lock semantics whenever the matching engine has a
// partition with a parked waiter, re-offering each row to matching in
// (priority desc, created asc) order. Rows are never status-changed here;
// the dispatcher owns the PENDING -> DISPATCHING transition.
package reader

import (
	"context"
	"sync"
	"time"

	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/task"
)

// ClaimStore is the slice of the durable store the reader needs.
type ClaimStore interface {
	ClaimPending(ctx context.Context, queues []string, partitionID int32, limit int, offer func(task.Summary) bool) (int, error)
}

// Matcher is the slice of the matching engine the reader needs.
type Matcher interface {
	ReadyPartitions() []match.ReadyPartition
	TakeBuffered(partitionID int32) (task.Summary, bool)
	OfferTask(s task.Summary) match.Result
}

// Reader runs one drain loop per configured degree of parallelism.
type Reader struct {
	store    ClaimStore
	matcher  Matcher
	interval time.Duration
	batch    int
	workers  int
	wg       sync.WaitGroup
}

// New constructs a reader from config.
func New(store ClaimStore, matcher Matcher, cfg *config.ReaderConfig) *Reader {
	workers := cfg.Parallelism
	if workers < 1 {
		workers = 1
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 32
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Reader{
		store:    store,
		matcher:  matcher,
		interval: interval,
		batch:    batch,
		workers:  workers,
	}
}

// Start launches the drain loops. They stop when ctx is cancelled.
func (r *Reader) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.loop(ctx, i)
	}
	log := logger.WithComponent("reader")
	log.Info().
		Dur("tick_interval", r.interval).
		Int("batch_size", r.batch).
		Int("parallelism", r.workers).
		Msg("task reader started")
}

// Wait blocks until every drain loop has exited.
func (r *Reader) Wait() {
	r.wg.Wait()
}

func (r *Reader) loop(ctx context.Context, n int) {
	defer r.wg.Done()

	log := logger.WithComponent("reader")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("loop", n).Msg("task reader stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one drain pass. Back-pressure is structural: with no
// partition holding a parked waiter the tick is a no-op, and a non-dispatch
// offer ends a partition's batch because the engine has nowhere left to put
// work.
func (r *Reader) Tick(ctx context.Context) {
	ready := r.matcher.ReadyPartitions()
	if len(ready) == 0 {
		return
	}

	log := logger.WithComponent("reader")
	for _, rp := range ready {
		// Drain the partition's slot before claiming. The buffered task's
		// row is still PENDING, so the claim below re-surfaces it in
		// (priority desc, created asc) position rather than letting it jump
		// ahead of higher-priority rows.
		r.matcher.TakeBuffered(rp.Partition)

		offered, err := r.store.ClaimPending(ctx, rp.Queues, rp.Partition, r.batch, func(s task.Summary) bool {
			res := r.matcher.OfferTask(s)
			if res.Dispatched {
				return true
			}
			// Buffered(true): the slot took it, nothing else fits this
			// partition. Buffered(false): the slot was already occupied.
			// Either way the batch is done.
			return false
		})
		if err != nil {
			log.Error().Err(err).Int32("partition", rp.Partition).Msg("claim batch failed")
			continue
		}
		metrics.RecordReaderClaimBatch(float64(offered))
		if offered > 0 {
			log.Debug().
				Int32("partition", rp.Partition).
				Int("offered", offered).
				Msg("claim batch offered")
		}
	}
}
