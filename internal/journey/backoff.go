package journey

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/model"
)

// BackoffPolicy computes the delay before a reattempt of a faulted step.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoffPolicy returns the policy used when none is configured:
// 10s doubling up to 1h with 10% jitter, ten attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:     10 * time.Second,
		Max:         time.Hour,
		Multiplier:  2,
		Jitter:      0.1,
		MaxAttempts: 10,
	}
}

// BackoffPolicyFromConfig builds a policy from the engine configuration.
func BackoffPolicyFromConfig(cfg config.EngineConfig) BackoffPolicy {
	return BackoffPolicy{
		Initial:     cfg.BackoffInitial,
		Max:         cfg.BackoffMax,
		Multiplier:  cfg.BackoffMultiplier,
		Jitter:      cfg.BackoffJitter,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p BackoffPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryStorage runs op until it succeeds, fails with a domain error, or the
// retry budget is spent. Domain errors (ErrorEnvelope) are never retried.
func retryStorage(ctx context.Context, retries int, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx))
}
