package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/observability"
)

// Sweeper periodically re-submits due invocations recorded in the store and
// recovers journeys stuck in performing. Re-submitting a triple the
// scheduler already holds is harmless: it is de-duplicated there, and a
// stale one is dropped by the engine.
type Sweeper struct {
	source    DueSource
	scheduler Scheduler
	logger    *zap.Logger
	metrics   *observability.Metrics

	interval   time.Duration
	batch      int
	lookahead  time.Duration
	stallAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a sweeper from the scheduler configuration.
func NewSweeper(source DueSource, sched Scheduler, cfg config.SchedulerConfig, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		source:     source,
		scheduler:  sched,
		logger:     logger,
		metrics:    metrics,
		interval:   cfg.SweepInterval,
		batch:      cfg.SweepBatch,
		lookahead:  cfg.SweepLookahead,
		stallAfter: cfg.StallAfter,
		now:        time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass: stalled recovery first, then due re-submission.
func (s *Sweeper) Sweep(ctx context.Context) (dispatched, recovered int, err error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.sweep")
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.stallAfter > 0 {
		recovered, err = s.source.RecoverStalled(ctx, s.stallAfter)
		if err != nil {
			return 0, 0, fmt.Errorf("recover stalled: %w", err)
		}
	}

	due, err := s.source.DueInvocations(ctx, s.now().Add(s.lookahead), s.batch)
	if err != nil {
		return 0, recovered, fmt.Errorf("list due invocations: %w", err)
	}
	for _, inv := range due {
		if err := s.scheduler.ScheduleInvocation(ctx, inv); err != nil {
			s.logger.Warn("re-submit due invocation",
				zap.String("journey_id", inv.JourneyID),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}

	s.metrics.RecordSweep(dispatched, recovered)
	if dispatched > 0 || recovered > 0 {
		s.logger.Info("sweep completed", zap.Int("dispatched", dispatched), zap.Int("recovered", recovered))
	}
	return dispatched, recovered, nil
}
