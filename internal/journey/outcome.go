package journey

import (
	"fmt"
	"time"

	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

// Step execution results, used as metric labels and in logs.
const (
	resultSuccess   = "success"
	resultSkip      = "skip"
	resultFinish    = "finish"
	resultPause     = "pause"
	resultCancel    = "cancel"
	resultReattempt = "reattempt"
	resultFault     = "fault"
)

// transition is the journey change an outcome asks for.
type transition struct {
	state       string
	nextStep    string
	pausedAt    string
	scheduledAt *time.Time
	attempt     int
	lastError   string
	// schedule is set when another invocation must be minted.
	schedule bool
	// result classifies the body's outcome.
	result string
	// escalated is set when a reattempt bound turned into a failure.
	escalated bool
}

// apply writes the transition onto j.
func (t transition) apply(j *model.Journey, now time.Time) {
	j.State = t.state
	j.NextStepName = t.nextStep
	j.PausedAtStep = t.pausedAt
	j.ScheduledAt = t.scheduledAt
	j.AttemptCount = t.attempt
	j.LastError = t.lastError
	j.IdempotencyToken = ""
	j.UpdatedAt = now
}

// interpret maps the result of running spec's body to a transition. It has
// no side effects. A signal decides the transition on its own regardless of
// what else the body did.
func interpret(jt *definition.JourneyType, spec definition.StepSpec, attempt int, bodyErr error, now time.Time, policy BackoffPolicy) transition {
	if bodyErr == nil {
		t := advance(jt, spec, now)
		t.result = resultSuccess
		return t
	}

	sig, ok := step.AsSignal(bodyErr)
	if !ok {
		return fault(spec, attempt, bodyErr, now, policy)
	}

	switch sig.Kind {
	case step.KindSkip:
		t := advance(jt, spec, now)
		t.result = resultSkip
		return t
	case step.KindFinish:
		return transition{state: model.JourneyStateFinished, result: resultFinish}
	case step.KindPause:
		return transition{
			state:    model.JourneyStatePaused,
			pausedAt: spec.Name,
			attempt:  attempt,
			result:   resultPause,
		}
	case step.KindCancel:
		return transition{
			state:     model.JourneyStateCanceled,
			lastError: sig.Reason,
			result:    resultCancel,
		}
	case step.KindReattempt:
		next := attempt + 1
		if limit := attemptLimit(spec, policy); next > limit {
			return transition{
				state:     model.JourneyStateFailed,
				attempt:   attempt,
				lastError: fmt.Sprintf("step %s: reattempt limit of %d exceeded", spec.Name, limit),
				result:    resultReattempt,
				escalated: true,
			}
		}
		at := now.Add(sig.Delay)
		return transition{
			state:       model.JourneyStateSleeping,
			nextStep:    spec.Name,
			scheduledAt: &at,
			attempt:     next,
			schedule:    true,
			result:      resultReattempt,
		}
	}

	return fault(spec, attempt, bodyErr, now, policy)
}

// advance moves to the step after spec, or finishes if there is none.
func advance(jt *definition.JourneyType, spec definition.StepSpec, now time.Time) transition {
	next, ok := jt.StepAfter(spec.Name)
	if !ok {
		return transition{state: model.JourneyStateFinished}
	}
	return enter(next, now)
}

// enter schedules next as the step to run, honouring its wait.
func enter(next definition.StepSpec, now time.Time) transition {
	state := model.JourneyStateReady
	at := now
	if next.Wait > 0 {
		state = model.JourneyStateSleeping
		at = now.Add(next.Wait)
	}
	return transition{
		state:       state,
		nextStep:    next.Name,
		scheduledAt: &at,
		schedule:    true,
	}
}

func fault(spec definition.StepSpec, attempt int, err error, now time.Time, policy BackoffPolicy) transition {
	msg := fmt.Sprintf("step %s: %v", spec.Name, err)

	if spec.OnException != step.PolicyReattempt {
		return transition{state: model.JourneyStateFailed, attempt: attempt, lastError: msg, result: resultFault}
	}

	next := attempt + 1
	if limit := attemptLimit(spec, policy); next > limit {
		return transition{
			state:     model.JourneyStateFailed,
			attempt:   attempt,
			lastError: fmt.Sprintf("%s (reattempt limit of %d exceeded)", msg, limit),
			result:    resultFault,
			escalated: true,
		}
	}
	at := now.Add(policy.Delay(next))
	return transition{
		state:       model.JourneyStateSleeping,
		nextStep:    spec.Name,
		scheduledAt: &at,
		attempt:     next,
		lastError:   msg,
		schedule:    true,
		result:      resultFault,
	}
}

func attemptLimit(spec definition.StepSpec, policy BackoffPolicy) int {
	switch {
	case spec.MaxAttempts > 0:
		return spec.MaxAttempts
	case policy.MaxAttempts > 0:
		return policy.MaxAttempts
	default:
		return DefaultBackoffPolicy().MaxAttempts
	}
}
