package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Journeys     JourneyService
	Idempotency  IdempotencyStore
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/journeys", handleJourneyList(deps.Journeys))
		r.Get("/journeys/{journeyId}", handleJourneyGet(deps.Journeys))

		operator := r.With(RequireRole(deps.Config.Identity.OperatorRole))
		operator.Post("/journeys", handleJourneyCreate(deps.Journeys, deps.Idempotency, deps.Config.Server.IdempotencyTTL))
		operator.Post("/journeys/{journeyId}/pause", handleJourneyPause(deps.Journeys))
		operator.Post("/journeys/{journeyId}/resume", handleJourneyResume(deps.Journeys))
		operator.Post("/journeys/{journeyId}/cancel", handleJourneyCancel(deps.Journeys))
		r.Get("/heroes/{heroType}/{heroId}/journeys/{journeyType}", handleHeroJourneys(deps.Journeys))
	})

	return r
}
