// Package scheduler runs the single-leader background loop: lease reaping,
// retry promotion, delayed-task promotion and dead-lettering. Leadership is
// an exclusive advisory lock on the durable store, so multi-process
// deployments elect exactly one leader and lose it with the connection.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/store"
	"github.com/iwhitebird/valka/internal/task"
)

// Store is the slice of the durable store the scheduler drives.
type Store interface {
	TryAcquireLeadership(ctx context.Context, name string) (*store.Leadership, bool, error)
	ReapExpiredLeases(ctx context.Context, limit int) ([]store.ReapedLease, error)
	PromoteDueRetries(ctx context.Context, limit int) ([]task.Summary, error)
	PromoteDueDelayed(ctx context.Context, limit int) ([]task.Summary, error)
	MoveFailedToDeadLetter(ctx context.Context, limit int) ([]*task.DeadLetterEntry, error)
}

// Matcher re-offers promoted tasks to the matching engine.
type Matcher interface {
	OfferTask(s task.Summary) match.Result
}

// Scheduler owns the leader loop and its four sub-tasks.
type Scheduler struct {
	store   Store
	matcher Matcher
	bus     *events.Bus
	cfg     *config.SchedulerConfig
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// New constructs a scheduler.
func New(st Store, matcher Matcher, bus *events.Bus, cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		matcher: matcher,
		bus:     bus,
		cfg:     cfg,
		log:     logger.WithComponent("scheduler"),
	}
}

// Start launches the election loop. It stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.electionLoop(ctx)
	s.log.Info().
		Str("lock", s.cfg.LockName).
		Msg("scheduler started")
}

// Wait blocks until the scheduler has fully stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// electionLoop attempts to win the leadership lock on a fixed interval and,
// while leading, runs the sub-task tickers. Between leaders, scheduler
// inactivity of up to one interval is acceptable.
func (s *Scheduler) electionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ElectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lead, won, err := s.store.TryAcquireLeadership(ctx, s.cfg.LockName)
		if err != nil {
			s.log.Warn().Err(err).Msg("leadership attempt failed")
			continue
		}
		if !won {
			continue
		}

		metrics.SetSchedulerLeader(true)
		s.lead(ctx, lead)
		metrics.SetSchedulerLeader(false)

		lead.Release(context.Background())
		s.log.Info().Msg("scheduler leadership released")
	}
}

// lead runs the sub-task tickers until leadership or the context is lost.
func (s *Scheduler) lead(ctx context.Context, lead *store.Leadership) {
	reaper := time.NewTicker(s.cfg.ReaperInterval)
	defer reaper.Stop()
	retry := time.NewTicker(s.cfg.RetryInterval)
	defer retry.Stop()
	delayed := time.NewTicker(s.cfg.DelayedInterval)
	defer delayed.Stop()
	dlq := time.NewTicker(s.cfg.DLQInterval)
	defer dlq.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reaper.C:
			if err := lead.Ping(ctx); err != nil {
				s.log.Warn().Msg("scheduler leadership lost")
				return
			}
			s.runSubTask(ctx, "reaper", s.cfg.ReaperInterval, s.reapLeases)
		case <-retry.C:
			s.runSubTask(ctx, "retry-promoter", s.cfg.RetryInterval, s.promoteRetries)
		case <-delayed.C:
			s.runSubTask(ctx, "delayed-promoter", s.cfg.DelayedInterval, s.promoteDelayed)
		case <-dlq.C:
			s.runSubTask(ctx, "dlq-mover", s.cfg.DLQInterval, s.moveDeadLetters)
		}
	}
}

// runSubTask gives each iteration a deadline equal to its tick interval;
// slow iterations are abandoned and retried on the next tick.
func (s *Scheduler) runSubTask(ctx context.Context, name string, deadline time.Duration, fn func(context.Context) error) {
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := fn(tickCtx); err != nil {
		log := logger.WithComponent(name)
		log.Error().Err(err).Msg("scheduler sub-task failed")
	}
}

func (s *Scheduler) reapLeases(ctx context.Context) error {
	reaped, err := s.store.ReapExpiredLeases(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	log := logger.WithComponent("reaper")
	for _, r := range reaped {
		metrics.RecordLeaseExpired()
		if r.NewStatus != r.PrevStatus {
			ev := events.NewTransition(r.TaskID, r.Queue, r.PrevStatus, r.NewStatus).
				WithWorker(r.WorkerID, "", r.AttemptNumber).
				WithError("lease expired")
			s.bus.Publish(ev)
			metrics.RecordTaskTransition(r.Queue, r.NewStatus.String())
			if r.NewStatus == task.StatusRetry {
				metrics.RecordTaskRetry(r.Queue)
			}
		}
		log.Info().
			Str("task_id", r.TaskID).
			Str("task_run_id", r.RunID).
			Str("worker_id", r.WorkerID).
			Str("task_status", r.NewStatus.String()).
			Msg("expired lease reaped")
	}
	return nil
}

func (s *Scheduler) promoteRetries(ctx context.Context) error {
	promoted, err := s.store.PromoteDueRetries(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	log := logger.WithComponent("retry-promoter")
	for _, sum := range promoted {
		s.bus.Publish(events.NewTransition(sum.TaskID, sum.QueueName, task.StatusRetry, task.StatusPending))
		s.matcher.OfferTask(sum)
		log.Info().Str("task_id", sum.TaskID).Msg("retry promoted to pending")
	}
	return nil
}

func (s *Scheduler) promoteDelayed(ctx context.Context) error {
	promoted, err := s.store.PromoteDueDelayed(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	log := logger.WithComponent("delayed-promoter")
	for _, sum := range promoted {
		s.matcher.OfferTask(sum)
		log.Info().Str("task_id", sum.TaskID).Msg("delayed task now offerable")
	}
	return nil
}

func (s *Scheduler) moveDeadLetters(ctx context.Context) error {
	moved, err := s.store.MoveFailedToDeadLetter(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	log := logger.WithComponent("dlq-mover")
	for _, entry := range moved {
		metrics.RecordDeadLetter(entry.QueueName)
		s.bus.Publish(events.NewTransition(entry.TaskID, entry.QueueName, task.StatusFailed, task.StatusDeadLetter).
			WithError(entry.ErrorMessage))
		metrics.RecordTaskTransition(entry.QueueName, task.StatusDeadLetter.String())
		log.Info().
			Str("task_id", entry.TaskID).
			Int32("attempt_count", entry.AttemptCount).
			Msg("task dead-lettered")
	}
	return nil
}
