// Package definition holds the immutable journey type definitions: the
// ordered step table each journey walks and the registry the engine resolves
// journey types from.
package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

// CancelFunc is evaluated before every step. Returning true cancels the
// journey instead of running the step.
type CancelFunc func(ctx context.Context, j model.Journey) bool

// StepSpec is one entry of a journey type's step table.
type StepSpec struct {
	Name          string
	Wait          time.Duration
	OnException   step.Policy
	MaxAttempts   int
	Transactional bool
	Body          step.Func
}

// JourneyType is an ordered list of steps plus the rules shared by every
// journey of that type. It is immutable once built.
type JourneyType struct {
	name          string
	steps         []StepSpec
	index         map[string]int
	cancelIf      CancelFunc
	allowMultiple bool
}

// Name returns the journey type tag.
func (jt *JourneyType) Name() string { return jt.name }

// AllowMultiple reports whether several active journeys may share a hero.
func (jt *JourneyType) AllowMultiple() bool { return jt.allowMultiple }

// Steps returns a copy of the step table.
func (jt *JourneyType) Steps() []StepSpec {
	out := make([]StepSpec, len(jt.steps))
	copy(out, jt.steps)
	return out
}

// FirstStep returns the entry step.
func (jt *JourneyType) FirstStep() StepSpec { return jt.steps[0] }

// Step looks a step up by name.
func (jt *JourneyType) Step(name string) (StepSpec, bool) {
	i, ok := jt.index[name]
	if !ok {
		return StepSpec{}, false
	}
	return jt.steps[i], true
}

// StepAfter returns the step following name. ok is false when name is the
// last step or unknown.
func (jt *JourneyType) StepAfter(name string) (StepSpec, bool) {
	i, ok := jt.index[name]
	if !ok || i+1 >= len(jt.steps) {
		return StepSpec{}, false
	}
	return jt.steps[i+1], true
}

// ShouldCancel evaluates the cancellation predicate. A journey type without
// one never cancels.
func (jt *JourneyType) ShouldCancel(ctx context.Context, j model.Journey) bool {
	if jt.cancelIf == nil {
		return false
	}
	return jt.cancelIf(ctx, j)
}

// StepOption customises a StepSpec while building.
type StepOption func(*StepSpec)

// Wait delays the step by d after the previous one completes.
func Wait(d time.Duration) StepOption {
	return func(s *StepSpec) { s.Wait = d }
}

// OnException sets the fault policy of the step.
func OnException(p step.Policy) StepOption {
	return func(s *StepSpec) { s.OnException = p }
}

// MaxAttempts bounds the reattempts of the step. Zero uses the engine
// default.
func MaxAttempts(n int) StepOption {
	return func(s *StepSpec) { s.MaxAttempts = n }
}

// Transactional runs the body and the resulting transition in one storage
// transaction.
func Transactional() StepOption {
	return func(s *StepSpec) { s.Transactional = true }
}

// Builder assembles a JourneyType.
type Builder struct {
	jt JourneyType
}

// NewJourneyType starts a builder for the named journey type.
func NewJourneyType(name string) *Builder {
	return &Builder{jt: JourneyType{name: name}}
}

// Step appends a named step.
func (b *Builder) Step(name string, fn step.Func, opts ...StepOption) *Builder {
	spec := StepSpec{Name: name, Body: fn, OnException: step.PolicyFatal}
	for _, opt := range opts {
		opt(&spec)
	}
	b.jt.steps = append(b.jt.steps, spec)
	return b
}

// AnonymousStep appends a step named after its 1-based position.
func (b *Builder) AnonymousStep(fn step.Func, opts ...StepOption) *Builder {
	return b.Step(fmt.Sprintf("step_%d", len(b.jt.steps)+1), fn, opts...)
}

// CancelIf installs the cancellation predicate.
func (b *Builder) CancelIf(fn CancelFunc) *Builder {
	b.jt.cancelIf = fn
	return b
}

// AllowMultiple lets one hero have several active journeys of this type.
func (b *Builder) AllowMultiple() *Builder {
	b.jt.allowMultiple = true
	return b
}

// Build validates the definition and returns the immutable JourneyType.
func (b *Builder) Build() (*JourneyType, error) {
	if errs := Validate(&b.jt); len(errs) > 0 {
		return nil, errs
	}
	jt := &JourneyType{
		name:          b.jt.name,
		steps:         make([]StepSpec, len(b.jt.steps)),
		index:         make(map[string]int, len(b.jt.steps)),
		cancelIf:      b.jt.cancelIf,
		allowMultiple: b.jt.allowMultiple,
	}
	copy(jt.steps, b.jt.steps)
	for i, s := range jt.steps {
		jt.index[s.Name] = i
	}
	return jt, nil
}

// MustBuild is Build for package-level definitions; it panics on an invalid
// definition.
func (b *Builder) MustBuild() *JourneyType {
	jt, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("definition: journey type %q: %v", b.jt.name, err))
	}
	return jt
}
