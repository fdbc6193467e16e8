package journey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/scheduler"
	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

func TestEngine_RunsToCompletionOnLocalScheduler(t *testing.T) {
	var flaky atomic.Int32
	jt := definition.NewJourneyType("signup").
		Step("verify", noop).
		Step("provision", func(context.Context, *step.Context) error {
			if flaky.Add(1) == 1 {
				return errors.New("quota service unavailable")
			}
			return nil
		}, definition.OnException(step.PolicyReattempt)).
		Step("welcome", noop, definition.Wait(10*time.Millisecond)).
		MustBuild()
	reg, err := definition.NewRegistry(jt)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	local, err := scheduler.NewLocal(config.SchedulerConfig{Workers: 2, ResubmitRetries: 3, ResubmitInitial: time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer local.Stop(context.Background())

	store := NewMemoryStore()
	engine := NewEngine(reg, store, local,
		WithBackoff(BackoffPolicy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}),
	)
	local.Bind(engine)

	j, err := engine.Create(context.Background(), "signup", testHero, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := engine.Get(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State == model.JourneyStateFinished {
			break
		}
		if got.IsTerminal() || time.Now().After(deadline) {
			t.Fatalf("journey state = %q (last error %q), want finished", got.State, got.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if flaky.Load() != 2 {
		t.Errorf("provision ran %d times, want 2", flaky.Load())
	}
}
