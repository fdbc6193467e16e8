package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/observability"
)

type fakeDueSource struct {
	mu         sync.Mutex
	due        []Invocation
	recovered  int
	err        error
	cutoffs    []time.Time
	limits     []int
	stallCalls []time.Duration
}

func (f *fakeDueSource) DueInvocations(_ context.Context, cutoff time.Time, limit int) ([]Invocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.limits = append(f.limits, limit)
	return f.due, f.err
}

func (f *fakeDueSource) RecoverStalled(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallCalls = append(f.stallCalls, olderThan)
	return f.recovered, nil
}

func (f *fakeDueSource) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type collectingScheduler struct {
	mu   sync.Mutex
	invs []Invocation
	fail map[string]bool
}

func (c *collectingScheduler) ScheduleInvocation(_ context.Context, inv Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[inv.JourneyID] {
		return ErrStopped
	}
	c.invs = append(c.invs, inv)
	return nil
}

func sweeperConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		SweepInterval:  10 * time.Millisecond,
		SweepBatch:     50,
		SweepLookahead: 5 * time.Second,
		StallAfter:     15 * time.Minute,
	}
}

func TestSweeper_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeDueSource{
		due: []Invocation{
			{JourneyID: "j-1", StepName: "a", Token: "t-1"},
			{JourneyID: "j-2", StepName: "b", Token: "t-2"},
			{JourneyID: "j-3", StepName: "c", Token: "t-3"},
		},
		recovered: 1,
	}
	sched := &collectingScheduler{fail: map[string]bool{"j-2": true}}
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	s := NewSweeper(src, sched, sweeperConfig(), nil, metrics)
	s.now = func() time.Time { return now }

	dispatched, recovered, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, 1, recovered)
	assert.Len(t, sched.invs, 2)

	assert.Equal(t, []time.Time{now.Add(5 * time.Second)}, src.cutoffs)
	assert.Equal(t, []int{50}, src.limits)
	assert.Equal(t, []time.Duration{15 * time.Minute}, src.stallCalls)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SweeperDispatchedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SweeperRecoveredTotal))
}

func TestSweeper_SweepError(t *testing.T) {
	src := &fakeDueSource{err: errors.New("database is locked")}
	s := NewSweeper(src, &collectingScheduler{}, sweeperConfig(), nil, nil)

	_, _, err := s.Sweep(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestSweeper_StallRecoveryDisabled(t *testing.T) {
	src := &fakeDueSource{}
	cfg := sweeperConfig()
	cfg.StallAfter = 0
	s := NewSweeper(src, &collectingScheduler{}, cfg, nil, nil)

	_, _, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, src.stallCalls)
}

func TestSweeper_RunUntilCanceled(t *testing.T) {
	src := &fakeDueSource{}
	s := NewSweeper(src, &collectingScheduler{}, sweeperConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return src.sweeps() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
