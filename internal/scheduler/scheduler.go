// Package scheduler delivers journey invocations: "run step S of journey J
// with token T at or after time N". Local runs them in-process on a bounded
// worker pool, Guard adds a cluster-wide in-flight claim backed by Redis and
// Sweeper re-submits invocations recorded in the store so nothing scheduled
// is lost across restarts.
package scheduler

import (
	"context"
	"time"
)

// Invocation is one scheduled callback into the engine.
type Invocation struct {
	JourneyID string    `json:"journey_id"`
	StepName  string    `json:"step_name"`
	Token     string    `json:"token"`
	NotBefore time.Time `json:"not_before"`
}

// Key identifies the (journey, step, token) triple used for de-duplication.
func (inv Invocation) Key() string {
	return inv.JourneyID + "/" + inv.StepName + "/" + inv.Token
}

// Scheduler accepts invocations for delivery at or after their NotBefore.
// Submitting a triple that is already pending or running is a no-op.
type Scheduler interface {
	ScheduleInvocation(ctx context.Context, inv Invocation) error
}

// Performer executes a delivered invocation.
type Performer interface {
	Perform(ctx context.Context, inv Invocation) error
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, inv Invocation) error

// Perform calls f.
func (f PerformerFunc) Perform(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// DueSource is the store-backed view the Sweeper polls.
type DueSource interface {
	DueInvocations(ctx context.Context, cutoff time.Time, limit int) ([]Invocation, error)
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Discard is a Scheduler that drops every invocation. Useful when delivery
// is left entirely to the Sweeper or in tests.
type Discard struct{}

// ScheduleInvocation drops inv.
func (Discard) ScheduleInvocation(context.Context, Invocation) error { return nil }
