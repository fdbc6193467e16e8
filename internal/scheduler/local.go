package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/observability"
)

// ErrStopped is returned by ScheduleInvocation after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Local delivers invocations in-process: one timer per pending invocation
// and a bounded ants pool running the performer. A triple that is pending or
// running is de-duplicated. A failed Perform is re-submitted with
// exponential backoff up to the configured retry count; after that the
// invocation is dropped and left to the Sweeper.
type Local struct {
	performer Performer
	pool      *ants.Pool
	logger    *zap.Logger
	metrics   *observability.Metrics

	retries         int
	resubmitInitial time.Duration
	resubmitMax     time.Duration

	// runCtx is passed to Perform and canceled when a drain times out.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	entries map[string]*time.Timer
	stopped bool
	running sync.WaitGroup
}

// NewLocal creates an in-process scheduler. Bind a performer before the
// first invocation fires.
func NewLocal(cfg config.SchedulerConfig, logger *zap.Logger, metrics *observability.Metrics) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	l := &Local{
		logger:          logger,
		metrics:         metrics,
		retries:         cfg.ResubmitRetries,
		resubmitInitial: cfg.ResubmitInitial,
		resubmitMax:     cfg.ResubmitMax,
		entries:         make(map[string]*time.Timer),
	}
	l.runCtx, l.cancelRun = context.WithCancel(context.Background())

	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	l.pool = pool
	return l, nil
}

// Bind sets the performer invocations are delivered to.
func (l *Local) Bind(p Performer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.performer = p
}

// ScheduleInvocation arms a timer that delivers inv at or after NotBefore.
func (l *Local) ScheduleInvocation(_ context.Context, inv Invocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrStopped
	}
	key := inv.Key()
	if _, exists := l.entries[key]; exists {
		return nil
	}
	l.entries[key] = time.AfterFunc(max(time.Until(inv.NotBefore), 0), func() {
		l.fire(inv, nil)
	})
	l.metrics.AddSchedulerInflight(1)
	return nil
}

// Pending returns the number of invocations that are waiting or running.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// fire hands inv to the worker pool. b carries the re-submission backoff
// of a retried invocation and is nil on the first delivery.
func (l *Local) fire(inv Invocation, b backoff.BackOff) {
	l.mu.Lock()
	if l.stopped {
		l.forgetLocked(inv.Key())
		l.mu.Unlock()
		return
	}
	performer := l.performer
	l.running.Add(1)
	l.mu.Unlock()

	err := l.pool.Submit(func() {
		defer l.running.Done()
		l.run(performer, inv, b)
	})
	if err != nil {
		l.running.Done()
		l.retry(inv, b, fmt.Errorf("submit to worker pool: %w", err))
	}
}

func (l *Local) run(performer Performer, inv Invocation, b backoff.BackOff) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("invocation panicked",
				zap.String("journey_id", inv.JourneyID),
				zap.Any("panic", r),
			)
			l.forget(inv.Key())
		}
	}()
	if performer == nil {
		l.retry(inv, b, errors.New("no performer bound"))
		return
	}
	if err := performer.Perform(l.runCtx, inv); err != nil {
		l.retry(inv, b, err)
		return
	}
	l.forget(inv.Key())
}

func (l *Local) retry(inv Invocation, b backoff.BackOff, cause error) {
	if b == nil {
		b = l.newResubmitBackoff()
	}
	logger := l.logger.With(
		zap.String("journey_id", inv.JourneyID),
		zap.String("step", inv.StepName),
		zap.Error(cause),
	)

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		logger.Error("invocation dropped after re-submissions, left to the sweeper", zap.Int("retries", l.retries))
		l.forget(inv.Key())
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		l.forgetLocked(inv.Key())
		return
	}
	l.metrics.RecordSchedulerRetry()
	logger.Warn("invocation failed, re-submitting", zap.Duration("delay", delay))
	l.entries[inv.Key()] = time.AfterFunc(delay, func() { l.fire(inv, b) })
}

func (l *Local) newResubmitBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if l.resubmitInitial > 0 {
		b.InitialInterval = l.resubmitInitial
	}
	if l.resubmitMax > 0 {
		b.MaxInterval = l.resubmitMax
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(l.retries, 0)))
}

func (l *Local) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgetLocked(key)
}

func (l *Local) forgetLocked(key string) {
	if _, ok := l.entries[key]; ok {
		delete(l.entries, key)
		l.metrics.AddSchedulerInflight(-1)
	}
}

// Stop refuses new invocations, disarms pending timers and waits for running
// invocations to finish. When ctx expires first, running invocations see a
// canceled context and Stop returns ctx.Err().
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	for key, timer := range l.entries {
		if timer.Stop() {
			delete(l.entries, key)
			l.metrics.AddSchedulerInflight(-1)
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		l.cancelRun()
		<-done
	}
	l.cancelRun()
	if relErr := l.pool.ReleaseTimeout(5 * time.Second); relErr != nil && err == nil {
		err = fmt.Errorf("release worker pool: %w", relErr)
	}
	return err
}
