package definition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

func noop(context.Context, *step.Context) error { return nil }

func TestBuilder_Build(t *testing.T) {
	jt, err := NewJourneyType("onboarding").
		Step("welcome", noop).
		Step("nudge", noop, Wait(5*time.Minute), OnException(step.PolicyReattempt), MaxAttempts(3)).
		AnonymousStep(noop, Transactional()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if jt.Name() != "onboarding" {
		t.Errorf("Name = %q", jt.Name())
	}
	if jt.AllowMultiple() {
		t.Error("AllowMultiple should default to false")
	}
	steps := jt.Steps()
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	if steps[0].OnException != step.PolicyFatal {
		t.Errorf("default policy = %q, want fatal", steps[0].OnException)
	}
	if steps[1].Wait != 5*time.Minute || steps[1].MaxAttempts != 3 || steps[1].OnException != step.PolicyReattempt {
		t.Errorf("nudge options not applied: %+v", steps[1])
	}
	if steps[2].Name != "step_3" {
		t.Errorf("anonymous step name = %q, want step_3", steps[2].Name)
	}
	if !steps[2].Transactional {
		t.Error("Transactional option not applied")
	}
}

func TestJourneyType_Navigation(t *testing.T) {
	jt := NewJourneyType("j").Step("a", noop).Step("b", noop).MustBuild()

	if jt.FirstStep().Name != "a" {
		t.Errorf("FirstStep = %q", jt.FirstStep().Name)
	}
	next, ok := jt.StepAfter("a")
	if !ok || next.Name != "b" {
		t.Errorf("StepAfter(a) = %q, %v", next.Name, ok)
	}
	if _, ok := jt.StepAfter("b"); ok {
		t.Error("StepAfter(last) should report false")
	}
	if _, ok := jt.StepAfter("zzz"); ok {
		t.Error("StepAfter(unknown) should report false")
	}
	if _, ok := jt.Step("zzz"); ok {
		t.Error("Step(unknown) should report false")
	}
}

func TestJourneyType_StepsIsACopy(t *testing.T) {
	jt := NewJourneyType("j").Step("a", noop).MustBuild()
	steps := jt.Steps()
	steps[0].Name = "mutated"
	if jt.FirstStep().Name != "a" {
		t.Error("Steps() exposed internal storage")
	}
}

func TestJourneyType_ShouldCancel(t *testing.T) {
	plain := NewJourneyType("plain").Step("a", noop).MustBuild()
	if plain.ShouldCancel(context.Background(), model.Journey{}) {
		t.Error("journey type without predicate canceled")
	}

	jt := NewJourneyType("guarded").
		Step("a", noop).
		CancelIf(func(_ context.Context, j model.Journey) bool { return j.Params["stop"] == true }).
		AllowMultiple().
		MustBuild()
	if !jt.AllowMultiple() {
		t.Error("AllowMultiple not applied")
	}
	if !jt.ShouldCancel(context.Background(), model.Journey{Params: map[string]any{"stop": true}}) {
		t.Error("predicate not evaluated")
	}
}

func TestBuilder_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		code    string
	}{
		{"no name", NewJourneyType("").Step("a", noop), "REQUIRED"},
		{"no steps", NewJourneyType("j"), "REQUIRED"},
		{"duplicate step", NewJourneyType("j").Step("a", noop).Step("a", noop), "DUPLICATE"},
		{"nil body", NewJourneyType("j").Step("a", nil), "REQUIRED"},
		{"negative wait", NewJourneyType("j").Step("a", noop, Wait(-time.Second)), "INVALID"},
		{"bad policy", NewJourneyType("j").Step("a", noop, OnException("retry")), "INVALID"},
		{"negative attempts", NewJourneyType("j").Step("a", noop, MaxAttempts(-1)), "INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verrs VErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error type = %T, want VErrors", err)
			}
			if verrs[0].Code != tt.code {
				t.Errorf("Code = %q, want %q (%v)", verrs[0].Code, tt.code, err)
			}
		})
	}
}

func TestBuilder_MustBuildPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustBuild on an invalid definition did not panic")
		}
	}()
	NewJourneyType("j").MustBuild()
}
