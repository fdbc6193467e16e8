package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

// WebhookDeliveryType is the name of the webhook delivery journey type.
const WebhookDeliveryType = "webhook_delivery"

const (
	defaultRetryAfter   = time.Minute
	webhookMaxAttempts  = 8
	maxResponseBodyRead = 4 << 10
)

// WebhookDelivery delivers a JSON payload to a receiver URL, honoring the
// receiver's requests to retry later, hold, or stop.
type WebhookDelivery struct {
	client   *http.Client
	breakers *breakers
	logger   *zap.Logger
	now      func() time.Time
}

// WebhookOption configures a WebhookDelivery.
type WebhookOption func(*WebhookDelivery)

// WithHTTPClient overrides the client used to call receivers.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookDelivery) { w.client = c }
}

// WithLogger sets the logger for delivery attempts.
func WithLogger(l *zap.Logger) WebhookOption {
	return func(w *WebhookDelivery) { w.logger = l }
}

// WithClock overrides the clock used to evaluate params.expires_at.
func WithClock(now func() time.Time) WebhookOption {
	return func(w *WebhookDelivery) { w.now = now }
}

// NewWebhookDelivery creates the webhook delivery journey definition.
func NewWebhookDelivery(cfg config.CatalogConfig, opts ...WebhookOption) *WebhookDelivery {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	w := &WebhookDelivery{
		client:   &http.Client{Timeout: timeout},
		breakers: newBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// JourneyType builds the journey type.
func (w *WebhookDelivery) JourneyType() (*definition.JourneyType, error) {
	return definition.NewJourneyType(WebhookDeliveryType).
		Step("deliver", w.deliver,
			definition.OnException(step.PolicyReattempt),
			definition.MaxAttempts(webhookMaxAttempts),
		).
		Step("settle", w.settle).
		CancelIf(w.expired).
		AllowMultiple().
		Build()
}

// deliver POSTs params.payload to params.url. The journey ID is the
// Idempotency-Key so receivers can drop duplicates of a reattempted call.
func (w *WebhookDelivery) deliver(ctx context.Context, sc *step.Context) error {
	raw, ok := sc.StringParam("url")
	if !ok || raw == "" {
		return step.CancelWithReason("webhook: params.url is required")
	}
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		return step.CancelWithReason(fmt.Sprintf("webhook: params.url %q is not an absolute URL", raw))
	}
	body, err := json.Marshal(sc.Param("payload"))
	if err != nil {
		return step.CancelWithReason(fmt.Sprintf("webhook: payload is not JSON encodable: %v", err))
	}

	logger := observability.LoggerFrom(ctx, w.logger).With(
		zap.String("journey_id", sc.JourneyID),
		zap.String("host", target.Host),
		zap.Int("attempt", sc.Attempt),
	)

	logger.Debug("delivering webhook", zap.Any("params", observability.RedactParams(sc.Params)))

	circuit := w.breakers.forHost(target.Host)
	if ok, wait := circuit.allow(w.now()); !ok {
		logger.Info("webhook receiver circuit open", zap.Duration("retry_in", wait))
		return step.Reattempt(wait)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		circuit.success()
		return step.CancelWithReason(fmt.Sprintf("webhook: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sc.JourneyID)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		circuit.failure(w.now())
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	// Only server errors count against the receiver's circuit; any other
	// answer shows it is alive.
	if resp.StatusCode >= 500 {
		circuit.failure(w.now())
	} else {
		circuit.success()
	}
	logger = logger.With(zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNoContent:
		logger.Info("webhook delivered, receiver needs no settling")
		return step.Finish()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Info("webhook delivered")
		return nil
	case resp.StatusCode == http.StatusGone:
		logger.Warn("webhook receiver gone")
		return step.CancelWithReason("webhook: receiver answered 410 Gone")
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfter(resp.Header.Get("Retry-After"), w.now())
		logger.Info("webhook throttled", zap.Duration("retry_after", delay))
		return step.Reattempt(delay)
	case resp.StatusCode == http.StatusLocked:
		logger.Warn("webhook receiver asked to hold")
		return step.Pause()
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
}

// settle waits params.settle_after before finishing. The first run
// reattempts after the wait; the second finishes.
func (w *WebhookDelivery) settle(ctx context.Context, sc *step.Context) error {
	d, err := sc.DurationParam("settle_after", 0)
	if err != nil {
		return step.CancelWithReason(err.Error())
	}
	if d > 0 && sc.Attempt == 0 {
		return step.Reattempt(d)
	}
	return step.Finish()
}

func (w *WebhookDelivery) expired(_ context.Context, j model.Journey) bool {
	raw, ok := j.Params["expires_at"].(string)
	if !ok || raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return at.Before(w.now())
}

// StatusError is the fault raised for a receiver status that has no
// dedicated meaning.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: receiver answered %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook: receiver answered %d: %s", e.StatusCode, e.Body)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
