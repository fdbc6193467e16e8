// Package journey runs journeys: it persists journey records and drives each
// one through its journey type's step table.
//
// Every invocation goes through three phases. Claim locks the row, checks the
// presented token against the stored one, moves the journey to performing
// and replaces the token with a claim token. Perform runs the step body
// without holding the lock. Settle locks the row again, checks the claim token
// is still in place, applies the transition the outcome asks for and mints the
// token of the next invocation, which is handed to the scheduler after commit.
package journey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/scheduler"
	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

const defaultSettleRetries = 5

// Result classifies what an invocation did.
type Result string

// Invocation results.
const (
	ResultAdvanced Result = "advanced"
	ResultStale    Result = "stale"
	ResultIgnored  Result = "ignored"
	ResultCanceled Result = "canceled"
)

// Outcome reports what Advance did with one invocation.
type Outcome struct {
	Result    Result
	JourneyID string
	// Step is the step that was claimed, if any.
	Step string
	// State is the journey state after the invocation.
	State string
	// Next is the invocation minted for the following run, if any.
	Next *scheduler.Invocation
}

// Engine drives journeys through their step tables.
type Engine struct {
	registry      *definition.Registry
	store         Store
	scheduler     scheduler.Scheduler
	logger        *zap.Logger
	metrics       *observability.Metrics
	backoff       BackoffPolicy
	settleRetries int
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBackoff sets the reattempt backoff policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithSettleRetries bounds the retries of a failed settle.
func WithSettleRetries(n int) Option {
	return func(e *Engine) { e.settleRetries = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = func() time.Time { return now().UTC().Truncate(time.Microsecond) }
	}
}

// NewEngine creates a new journey engine.
func NewEngine(registry *definition.Registry, store Store, sched scheduler.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		store:         store,
		scheduler:     sched,
		logger:        zap.NewNop(),
		backoff:       DefaultBackoffPolicy(),
		settleRetries: defaultSettleRetries,
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scheduler == nil {
		e.scheduler = scheduler.Discard{}
	}
	return e
}

// Create starts a new journey of journeyType for hero and schedules its
// first step.
func (e *Engine) Create(ctx context.Context, journeyType string, hero model.Hero, params map[string]any) (model.Journey, error) {
	// 1. Validate the request.
	var details []model.FieldError
	if hero.Type == "" {
		details = append(details, model.FieldError{Field: "hero.type", Code: "REQUIRED", Message: "hero type is required"})
	}
	if hero.ID == "" {
		details = append(details, model.FieldError{Field: "hero.id", Code: "REQUIRED", Message: "hero id is required"})
	}
	if len(details) > 0 {
		return model.Journey{}, model.NewValidationError(details)
	}

	// 2. Look up the journey type.
	jt, ok := e.registry.Get(journeyType)
	if !ok {
		return model.Journey{}, model.NewJourneyTypeNotFoundError(journeyType)
	}

	// 3. Build the record. A new journey is always ready; a wait on the
	// first step only defers its schedule.
	now := e.now()
	t := enter(jt.FirstStep(), now)
	j := model.Journey{
		ID:               uuid.New().String(),
		JourneyType:      jt.Name(),
		Hero:             hero,
		State:            model.JourneyStateReady,
		NextStepName:     t.nextStep,
		ScheduledAt:      t.scheduledAt,
		IdempotencyToken: newToken(),
		AllowMultiple:    jt.AllowMultiple(),
		Params:           (model.Journey{Params: params}).Clone().Params,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// 4. Persist. The store enforces one active journey per hero.
	if err := e.store.Create(ctx, j); err != nil {
		return model.Journey{}, err
	}
	e.metrics.RecordJourneyCreated(j.JourneyType)
	observability.LoggerFrom(ctx, e.logger).Info("journey created",
		zap.String("journey_id", j.ID),
		zap.String("journey_type", j.JourneyType),
		zap.String("hero_type", hero.Type),
		zap.String("hero_id", hero.ID),
		zap.String("state", j.State),
		zap.String("actor", model.ActorFrom(ctx)),
	)

	// 5. Schedule the first step.
	e.dispatch(ctx, invocationFor(j))
	return j, nil
}

// claimed is the snapshot taken when an invocation claims its journey.
type claimed struct {
	journey model.Journey
	jt      *definition.JourneyType
	spec    definition.StepSpec
	// claimToken is the token written by the claim. It is never handed to
	// the scheduler, and settle only proceeds while the row still carries it.
	claimToken string
}

// settled is the result of a successful settle.
type settled struct {
	outcome    Outcome
	transition transition
}

var errBodyFault = errors.New("transactional step faulted")

// Advance executes the invocation (journeyID, token). A missing journey or a
// token that does not match returns a stale Outcome; a terminal journey
// returns an ignored one. Both come with a nil error and no side effects.
func (e *Engine) Advance(ctx context.Context, journeyID, token string) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "journey.advance",
		observability.AttrJourneyID.String(journeyID),
	)
	defer func() {
		result := string(out.Result)
		if err != nil {
			result = "error"
		}
		span.SetAttributes(observability.AttrResult.String(result))
		e.metrics.RecordInvocation(result)
		observability.EndSpanWithError(span, err)
	}()

	c, early, err := e.claim(ctx, journeyID, token)
	if err != nil {
		return Outcome{}, err
	}
	if early != nil {
		return *early, nil
	}
	span.SetAttributes(
		observability.AttrJourneyType.String(c.jt.Name()),
		observability.AttrStep.String(c.spec.Name),
		observability.AttrAttempt.Int(c.journey.AttemptCount),
	)

	var s settled
	start := time.Now()
	if c.spec.Transactional {
		s, err = e.performTransactional(ctx, c)
	} else {
		bodyErr := e.perform(ctx, c)
		s, err = e.settle(ctx, c, bodyErr, e.settleRetries)
	}
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Error("settle failed, journey left performing",
			zap.String("journey_id", journeyID),
			zap.String("step", c.spec.Name),
			zap.Error(err),
		)
		return Outcome{}, err
	}

	if s.outcome.Result == ResultAdvanced {
		e.metrics.RecordStepExecution(c.jt.Name(), c.spec.Name, s.transition.result, time.Since(start))
		e.metrics.RecordTransition(c.jt.Name(), model.JourneyStatePerforming, s.outcome.State)
		e.logTransition(ctx, c, s.transition)
	}
	if s.outcome.Next != nil {
		e.dispatch(ctx, *s.outcome.Next)
	}
	return s.outcome, nil
}

// Perform implements scheduler.Performer.
func (e *Engine) Perform(ctx context.Context, inv scheduler.Invocation) error {
	_, err := e.Advance(ctx, inv.JourneyID, inv.Token)
	return err
}

// claim is phase 1. It returns either the claim or an early outcome.
func (e *Engine) claim(ctx context.Context, journeyID, token string) (*claimed, *Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "journey.claim")
	var c *claimed
	var early *Outcome
	logger := observability.LoggerFrom(ctx, e.logger).With(zap.String("journey_id", journeyID))

	err := e.store.WithLock(ctx, journeyID, func(ctx context.Context, j *model.Journey) (bool, error) {
		switch {
		case j.IsTerminal():
			logger.Warn("invocation for terminal journey ignored", zap.String("state", j.State))
			early = &Outcome{Result: ResultIgnored, JourneyID: j.ID, State: j.State}
			return false, nil
		case token == "" || j.IdempotencyToken != token:
			logger.Info("stale invocation dropped", zap.String("state", j.State))
			early = &Outcome{Result: ResultStale, JourneyID: j.ID, State: j.State}
			return false, nil
		case j.State != model.JourneyStateReady && j.State != model.JourneyStateSleeping:
			logger.Warn("invocation for journey in unexpected state ignored", zap.String("state", j.State))
			early = &Outcome{Result: ResultIgnored, JourneyID: j.ID, State: j.State}
			return false, nil
		}

		jt, ok := e.registry.Get(j.JourneyType)
		if !ok {
			logger.Error("journey type not registered", zap.String("journey_type", j.JourneyType))
			return false, model.NewJourneyTypeNotFoundError(j.JourneyType)
		}

		now := e.now()
		if jt.ShouldCancel(ctx, *j) {
			from := j.State
			cancelJourney(j, "canceled by predicate", now)
			e.metrics.RecordTransition(jt.Name(), from, j.State)
			logger.Info("journey canceled by predicate", zap.String("step", j.NextStepName))
			early = &Outcome{Result: ResultCanceled, JourneyID: j.ID, State: j.State}
			return true, nil
		}

		spec, ok := jt.Step(j.NextStepName)
		if !ok {
			logger.Error("next step not in journey type",
				zap.String("journey_type", jt.Name()),
				zap.String("step", j.NextStepName),
			)
			return false, model.NewUnknownStepError(jt.Name(), j.NextStepName)
		}

		e.metrics.RecordTransition(jt.Name(), j.State, model.JourneyStatePerforming)
		j.State = model.JourneyStatePerforming
		j.IdempotencyToken = newToken()
		j.ScheduledAt = nil
		j.UpdatedAt = now
		c = &claimed{journey: j.Clone(), jt: jt, spec: spec, claimToken: j.IdempotencyToken}
		return true, nil
	})
	if model.HasCode(err, model.ErrJourneyNotFound) {
		logger.Info("stale invocation for missing journey dropped")
		early, err = &Outcome{Result: ResultStale, JourneyID: journeyID}, nil
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, nil, err
	}
	if early != nil {
		return nil, early, nil
	}
	return c, nil, nil
}

// perform is phase 2. Panics in the body become faults.
func (e *Engine) perform(ctx context.Context, c *claimed) (bodyErr error) {
	ctx, span := observability.StartSpan(ctx, "journey.perform",
		observability.AttrStep.String(c.spec.Name),
	)
	defer func() {
		if _, isSignal := step.AsSignal(bodyErr); isSignal {
			observability.EndSpanWithError(span, nil)
			return
		}
		observability.EndSpanWithError(span, bodyErr)
	}()

	sc := &step.Context{
		JourneyID:   c.journey.ID,
		JourneyType: c.journey.JourneyType,
		Hero:        c.journey.Hero,
		StepName:    c.spec.Name,
		Attempt:     c.journey.AttemptCount,
		Params:      c.journey.Clone().Params,
	}
	return runBody(ctx, c.spec.Body, sc)
}

func runBody(ctx context.Context, fn step.Func, sc *step.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %s: %v", sc.StepName, r)
		}
	}()
	return fn(ctx, sc)
}

// performTransactional runs the body and the settle in one transaction. A
// fault rolls the body's writes back and is settled on its own afterwards.
func (e *Engine) performTransactional(ctx context.Context, c *claimed) (settled, error) {
	var s settled
	var bodyErr error
	err := e.store.InTransaction(ctx, func(txCtx context.Context) error {
		bodyErr = e.perform(txCtx, c)
		if isFault(bodyErr) {
			return errBodyFault
		}
		var err error
		s, err = e.settle(txCtx, c, bodyErr, 0)
		return err
	})
	if errors.Is(err, errBodyFault) {
		return e.settle(ctx, c, bodyErr, e.settleRetries)
	}
	if err != nil {
		return settled{}, err
	}
	return s, nil
}

// settle is phase 3.
func (e *Engine) settle(ctx context.Context, c *claimed, bodyErr error, retries int) (settled, error) {
	ctx, span := observability.StartSpan(ctx, "journey.settle")
	t := interpret(c.jt, c.spec, c.journey.AttemptCount, bodyErr, e.now(), e.backoff)
	logger := observability.LoggerFrom(ctx, e.logger).With(zap.String("journey_id", c.journey.ID))

	var out Outcome
	err := retryStorage(ctx, retries, func() error {
		return e.store.WithLock(ctx, c.journey.ID, func(_ context.Context, j *model.Journey) (bool, error) {
			if j.State != model.JourneyStatePerforming || j.IdempotencyToken != c.claimToken {
				logger.Warn("journey changed while performing, outcome dropped",
					zap.String("state", j.State),
					zap.String("step", c.spec.Name),
				)
				out = Outcome{Result: ResultIgnored, JourneyID: j.ID, Step: c.spec.Name, State: j.State}
				return false, nil
			}
			if !model.CanTransition(j.State, t.state) {
				logger.Warn("illegal transition ignored",
					zap.String("from", j.State),
					zap.String("to", t.state),
				)
				out = Outcome{Result: ResultIgnored, JourneyID: j.ID, Step: c.spec.Name, State: j.State}
				return false, nil
			}

			t.apply(j, e.now())
			out = Outcome{Result: ResultAdvanced, JourneyID: j.ID, Step: c.spec.Name, State: j.State}
			if t.schedule {
				j.IdempotencyToken = newToken()
				inv := invocationFor(*j)
				out.Next = &inv
			}
			return true, nil
		})
	})
	span.SetAttributes(observability.AttrState.String(t.state))
	observability.EndSpanWithError(span, err)
	if err != nil {
		return settled{}, err
	}
	return settled{outcome: out, transition: t}, nil
}

func (e *Engine) logTransition(ctx context.Context, c *claimed, t transition) {
	logger := observability.LoggerFrom(ctx, e.logger).With(
		zap.String("journey_id", c.journey.ID),
		zap.String("journey_type", c.jt.Name()),
		zap.String("step", c.spec.Name),
		zap.String("result", t.result),
		zap.String("state", t.state),
	)
	switch {
	case t.escalated:
		logger.Warn("reattempt limit exceeded, journey failed", zap.String("error", t.lastError))
	case t.state == model.JourneyStateFailed:
		logger.Error("step faulted, journey failed", zap.String("error", t.lastError))
	case t.result == resultFault:
		logger.Info("step faulted, reattempt scheduled",
			zap.Int("attempt", t.attempt),
			zap.Timep("scheduled_at", t.scheduledAt),
			zap.String("error", t.lastError),
		)
	default:
		logger.Info("journey transitioned", zap.String("next_step", t.nextStep))
	}
}

// Resume moves a paused journey back to ready, or sleeping while its
// recorded schedule is still in the future, and schedules the step it was
// paused at.
func (e *Engine) Resume(ctx context.Context, journeyID string) (model.Journey, error) {
	var out model.Journey
	err := e.store.WithLock(ctx, journeyID, func(_ context.Context, j *model.Journey) (bool, error) {
		if j.IsTerminal() {
			return false, model.NewJourneyTerminalError(j.ID, j.State)
		}
		if j.State != model.JourneyStatePaused {
			return false, model.NewInvalidStateError(j.ID, j.State, "resume")
		}
		jt, ok := e.registry.Get(j.JourneyType)
		if !ok {
			return false, model.NewJourneyTypeNotFoundError(j.JourneyType)
		}
		if _, ok := jt.Step(j.PausedAtStep); !ok {
			return false, model.NewUnknownStepError(jt.Name(), j.PausedAtStep)
		}

		now := e.now()
		from := j.State
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			j.State = model.JourneyStateSleeping
		} else {
			j.State = model.JourneyStateReady
			j.ScheduledAt = &now
		}
		j.NextStepName = j.PausedAtStep
		j.PausedAtStep = ""
		j.IdempotencyToken = newToken()
		j.UpdatedAt = now
		e.metrics.RecordTransition(j.JourneyType, from, j.State)
		out = j.Clone()
		return true, nil
	})
	if err != nil {
		return model.Journey{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("journey resumed",
		zap.String("journey_id", out.ID),
		zap.String("step", out.NextStepName),
		zap.String("state", out.State),
		zap.String("actor", model.ActorFrom(ctx)),
	)
	e.dispatch(ctx, invocationFor(out))
	return out, nil
}

// Pause parks a ready or sleeping journey. Its token is cleared so an
// invocation already scheduled turns stale. Pausing a paused journey is a
// no-op.
func (e *Engine) Pause(ctx context.Context, journeyID string) (model.Journey, error) {
	var out model.Journey
	err := e.store.WithLock(ctx, journeyID, func(_ context.Context, j *model.Journey) (bool, error) {
		switch {
		case j.IsTerminal():
			return false, model.NewJourneyTerminalError(j.ID, j.State)
		case j.State == model.JourneyStatePerforming:
			return false, model.NewJourneyBusyError(j.ID)
		case j.State == model.JourneyStatePaused:
			out = j.Clone()
			return false, nil
		}

		e.metrics.RecordTransition(j.JourneyType, j.State, model.JourneyStatePaused)
		j.State = model.JourneyStatePaused
		j.PausedAtStep = j.NextStepName
		j.NextStepName = ""
		j.IdempotencyToken = ""
		j.UpdatedAt = e.now()
		out = j.Clone()
		return true, nil
	})
	if err != nil {
		return model.Journey{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("journey paused",
		zap.String("journey_id", out.ID),
		zap.String("step", out.PausedAtStep),
		zap.String("actor", model.ActorFrom(ctx)),
	)
	return out, nil
}

// Cancel ends a ready, sleeping or paused journey as canceled.
func (e *Engine) Cancel(ctx context.Context, journeyID, reason string) (model.Journey, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	var out model.Journey
	err := e.store.WithLock(ctx, journeyID, func(_ context.Context, j *model.Journey) (bool, error) {
		switch {
		case j.IsTerminal():
			return false, model.NewJourneyTerminalError(j.ID, j.State)
		case j.State == model.JourneyStatePerforming:
			return false, model.NewJourneyBusyError(j.ID)
		}

		e.metrics.RecordTransition(j.JourneyType, j.State, model.JourneyStateCanceled)
		cancelJourney(j, reason, e.now())
		out = j.Clone()
		return true, nil
	})
	if err != nil {
		return model.Journey{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("journey canceled",
		zap.String("journey_id", out.ID),
		zap.String("reason", reason),
		zap.String("actor", model.ActorFrom(ctx)),
	)
	return out, nil
}

// Get returns a journey by ID.
func (e *Engine) Get(ctx context.Context, journeyID string) (model.Journey, error) {
	return e.store.Get(ctx, journeyID)
}

// FindActiveForHero returns the hero's active journeys of journeyType.
func (e *Engine) FindActiveForHero(ctx context.Context, hero model.Hero, journeyType string) ([]model.Journey, error) {
	return e.store.FindActiveForHero(ctx, hero, journeyType)
}

// List returns one page of journeys.
func (e *Engine) List(ctx context.Context, filters model.JourneyFilters) (model.JourneyPage, error) {
	items, total, err := e.store.List(ctx, filters)
	if err != nil {
		return model.JourneyPage{}, err
	}
	page := 1
	if filters.Limit > 0 {
		page = filters.Offset/filters.Limit + 1
	}
	return model.JourneyPage{Items: items, Total: total, Page: page, PageSize: filters.Limit}, nil
}

// DueInvocations lists the invocations of ready and sleeping journeys
// scheduled at or before cutoff, earliest first. Claim tokens of performing
// journeys are never returned.
func (e *Engine) DueInvocations(ctx context.Context, cutoff time.Time, limit int) ([]scheduler.Invocation, error) {
	due, err := e.store.FindDue(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Invocation, 0, len(due))
	for _, j := range due {
		if j.IdempotencyToken == "" {
			continue
		}
		out = append(out, invocationFor(j))
	}
	return out, nil
}

// RecoverStalled resets journeys that have been performing for longer than
// olderThan back to ready with a fresh token and schedules them. The step
// that was running when the process died runs again.
func (e *Engine) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan)
	stalled, err := e.store.FindStalled(ctx, cutoff, 0)
	if err != nil {
		return 0, err
	}

	logger := observability.LoggerFrom(ctx, e.logger)
	recovered := 0
	for _, candidate := range stalled {
		var inv *scheduler.Invocation
		err := e.store.WithLock(ctx, candidate.ID, func(_ context.Context, j *model.Journey) (bool, error) {
			if j.State != model.JourneyStatePerforming || !j.UpdatedAt.Before(cutoff) {
				return false, nil
			}
			now := e.now()
			j.State = model.JourneyStateReady
			j.ScheduledAt = &now
			j.IdempotencyToken = newToken()
			j.UpdatedAt = now
			next := invocationFor(*j)
			inv = &next
			return true, nil
		})
		if err != nil {
			logger.Error("recover stalled journey", zap.String("journey_id", candidate.ID), zap.Error(err))
			continue
		}
		if inv == nil {
			continue
		}
		recovered++
		e.metrics.RecordTransition(candidate.JourneyType, model.JourneyStatePerforming, model.JourneyStateReady)
		logger.Warn("stalled journey recovered",
			zap.String("journey_id", candidate.ID),
			zap.String("step", inv.StepName),
			zap.Time("stalled_since", candidate.UpdatedAt),
		)
		e.dispatch(ctx, *inv)
	}
	return recovered, nil
}

// dispatch hands inv to the scheduler. A failure is only logged: the
// invocation is recorded in the store and the sweeper will deliver it.
func (e *Engine) dispatch(ctx context.Context, inv scheduler.Invocation) {
	logger := observability.LoggerFrom(ctx, e.logger)
	if err := e.scheduler.ScheduleInvocation(ctx, inv); err != nil {
		logger.Error("schedule invocation",
			zap.String("journey_id", inv.JourneyID),
			zap.String("step", inv.StepName),
			zap.Error(err),
		)
		return
	}
	logger.Debug("invocation scheduled",
		zap.String("journey_id", inv.JourneyID),
		zap.String("step", inv.StepName),
		zap.Time("not_before", inv.NotBefore),
	)
}

func cancelJourney(j *model.Journey, reason string, now time.Time) {
	j.State = model.JourneyStateCanceled
	j.NextStepName = ""
	j.PausedAtStep = ""
	j.ScheduledAt = nil
	j.IdempotencyToken = ""
	j.LastError = reason
	j.UpdatedAt = now
}

func invocationFor(j model.Journey) scheduler.Invocation {
	inv := scheduler.Invocation{JourneyID: j.ID, StepName: j.NextStepName, Token: j.IdempotencyToken}
	if j.ScheduledAt != nil {
		inv.NotBefore = *j.ScheduledAt
	}
	return inv
}

func isFault(err error) bool {
	if err == nil {
		return false
	}
	_, isSignal := step.AsSignal(err)
	return !isSignal
}

func newToken() string {
	return ulid.Make().String()
}
