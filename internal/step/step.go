// Package step defines what a journey step body sees when it runs and the
// control signals it returns to steer the journey.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/stepper/model"
)

// Func is the body of a step. Returning nil advances the journey. Returning a
// Signal (possibly wrapped) changes the transition. Any other error is a fault
// handled by the step's exception policy.
type Func func(ctx context.Context, sc *Context) error

// Policy decides what a fault does to the journey.
type Policy string

// Exception policies.
const (
	PolicyFatal     Policy = "fatal"
	PolicyReattempt Policy = "reattempt"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyFatal || p == PolicyReattempt
}

// Context is a read-only snapshot of the journey taken when the step was
// claimed.
type Context struct {
	JourneyID   string
	JourneyType string
	Hero        model.Hero
	StepName    string
	// Attempt counts the reattempts of this step. Zero on the first run.
	Attempt int
	Params  map[string]any
}

// Param returns the named parameter, or nil.
func (c *Context) Param(key string) any {
	if c.Params == nil {
		return nil
	}
	return c.Params[key]
}

// StringParam returns the named parameter when it is a string.
func (c *Context) StringParam(key string) (string, bool) {
	s, ok := c.Param(key).(string)
	return s, ok
}

// DurationParam parses the named string parameter as a Go duration. A
// missing parameter yields def.
func (c *Context) DurationParam(key string, def time.Duration) (time.Duration, error) {
	raw, ok := c.Param(key).(string)
	if !ok || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

// Kind enumerates the control signals.
type Kind string

// Signal kinds.
const (
	KindSkip      Kind = "skip"
	KindFinish    Kind = "finish"
	KindPause     Kind = "pause"
	KindCancel    Kind = "cancel"
	KindReattempt Kind = "reattempt"
)

// Signal is returned by a step body to request a transition other than
// advancing to the next step. It implements error so it can travel through
// ordinary error returns and be wrapped.
type Signal struct {
	Kind   Kind
	Delay  time.Duration
	Reason string
}

// Error implements the error interface.
func (s *Signal) Error() string {
	switch {
	case s.Kind == KindReattempt:
		return fmt.Sprintf("step signal %s after %s", s.Kind, s.Delay)
	case s.Reason != "":
		return fmt.Sprintf("step signal %s: %s", s.Kind, s.Reason)
	default:
		return fmt.Sprintf("step signal %s", s.Kind)
	}
}

// Skip advances to the next step exactly as a normal return would.
func Skip() error { return &Signal{Kind: KindSkip} }

// Finish ends the journey successfully, skipping the remaining steps.
func Finish() error { return &Signal{Kind: KindFinish} }

// Pause parks the journey. The same step runs again after a resume.
func Pause() error { return &Signal{Kind: KindPause} }

// Cancel ends the journey as canceled.
func Cancel() error { return &Signal{Kind: KindCancel} }

// CancelWithReason is Cancel carrying a reason recorded as the last error.
func CancelWithReason(reason string) error { return &Signal{Kind: KindCancel, Reason: reason} }

// Reattempt runs the same step again after d.
func Reattempt(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return &Signal{Kind: KindReattempt, Delay: d}
}

// AsSignal extracts a Signal from err, unwrapping as needed.
func AsSignal(err error) (*Signal, bool) {
	var sig *Signal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}
