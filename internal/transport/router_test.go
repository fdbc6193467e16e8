package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/journey"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/step"
	"github.com/pitabwire/stepper/model"
)

func noop(context.Context, *step.Context) error { return nil }

// testDeps wires a real engine over an in-memory store with no scheduler, so
// journeys stay where the operator API puts them.
func testDeps(t *testing.T) (Dependencies, *journey.Engine) {
	t.Helper()
	reg, err := definition.NewRegistry(
		definition.NewJourneyType("onboarding").
			Step("verify", noop).
			Step("welcome", noop, definition.Wait(time.Hour)).
			MustBuild(),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := journey.NewMemoryStore()
	engine := journey.NewEngine(reg, store, nil)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	registry := prometheus.NewRegistry()
	return Dependencies{
		Config:   cfg,
		Journeys: engine,
		Metrics:  observability.InitMetrics(registry),
		Gatherer: registry,
		Readiness: observability.ReadinessChecks{
			JourneyTypesLoaded: func() bool { return len(reg.All()) > 0 },
			JourneyStore:       store,
		},
	}, engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJourney(t *testing.T, w *httptest.ResponseRecorder) model.Journey {
	t.Helper()
	var j model.Journey
	if err := json.NewDecoder(w.Body).Decode(&j); err != nil {
		t.Fatalf("decode journey: %v", err)
	}
	return j
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp.Error.Code
}

const createBody = `{"journey_type":"onboarding","hero":{"type":"account","id":"a-1"},"params":{"plan":"pro"}}`

func TestNewRouter_publicRoutes(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Authenticate = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("rejected"))
		})
	}
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := do(t, r, http.MethodGet, path, "")
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200 (should bypass auth): %s", w.Code, w.Body.String())
			}
			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
		})
	}

	routes := []struct{ method, path string }{
		{http.MethodPost, "/journeys"},
		{http.MethodGet, "/journeys"},
		{http.MethodGet, "/journeys/j-1"},
		{http.MethodPost, "/journeys/j-1/pause"},
		{http.MethodPost, "/journeys/j-1/resume"},
		{http.MethodPost, "/journeys/j-1/cancel"},
		{http.MethodGet, "/heroes/account/a-1/journeys/onboarding"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			if w := do(t, r, rt.method, rt.path, ""); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestJourneyLifecycle(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	w := do(t, r, http.MethodPost, "/journeys", createBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeJourney(t, w)
	if created.State != model.JourneyStateReady || created.NextStepName != "verify" {
		t.Fatalf("created = %s/%s, want ready/verify", created.State, created.NextStepName)
	}
	if created.Params["plan"] != "pro" {
		t.Errorf("params = %v", created.Params)
	}

	w = do(t, r, http.MethodGet, "/journeys/"+created.ID, "")
	if w.Code != http.StatusOK || decodeJourney(t, w).ID != created.ID {
		t.Fatalf("get status = %d", w.Code)
	}

	w = do(t, r, http.MethodPost, "/journeys/"+created.ID+"/pause", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeJourney(t, w); got.State != model.JourneyStatePaused || got.PausedAtStep != "verify" {
		t.Errorf("paused = %s at %q", got.State, got.PausedAtStep)
	}

	w = do(t, r, http.MethodPost, "/journeys/"+created.ID+"/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeJourney(t, w); got.State != model.JourneyStateReady || got.NextStepName != "verify" {
		t.Errorf("resumed = %s/%s", got.State, got.NextStepName)
	}

	w = do(t, r, http.MethodPost, "/journeys/"+created.ID+"/resume", "")
	if w.Code != http.StatusConflict || errorCode(t, w) != model.ErrInvalidState {
		t.Errorf("second resume status = %d, want 409 INVALID_STATE", w.Code)
	}

	w = do(t, r, http.MethodPost, "/journeys/"+created.ID+"/cancel", `{"reason":"customer left"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeJourney(t, w); got.State != model.JourneyStateCanceled || got.LastError != "customer left" {
		t.Errorf("canceled = %s %q", got.State, got.LastError)
	}

	w = do(t, r, http.MethodPost, "/journeys/"+created.ID+"/pause", "")
	if w.Code != http.StatusConflict || errorCode(t, w) != model.ErrJourneyTerminal {
		t.Errorf("pause after cancel status = %d, want 409 JOURNEY_TERMINAL", w.Code)
	}
}

func TestJourneyCreate_errors(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	if w := do(t, r, http.MethodPost, "/journeys", createBody); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"hero already active", createBody, http.StatusConflict, model.ErrJourneyActive},
		{"unknown type", `{"journey_type":"nope","hero":{"type":"account","id":"a-2"}}`, http.StatusNotFound, model.ErrJourneyTypeNotFound},
		{"missing type", `{"hero":{"type":"account","id":"a-2"}}`, http.StatusUnprocessableEntity, model.ErrValidationError},
		{"missing hero", `{"journey_type":"onboarding"}`, http.StatusUnprocessableEntity, model.ErrValidationError},
		{"malformed", `{"journey_type":`, http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/journeys", tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := errorCode(t, w); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestJourneyGet_notFound(t *testing.T) {
	deps, _ := testDeps(t)
	w := do(t, NewRouter(deps), http.MethodGet, "/journeys/missing", "")
	if w.Code != http.StatusNotFound || errorCode(t, w) != model.ErrJourneyNotFound {
		t.Errorf("status = %d, want 404 JOURNEY_NOT_FOUND", w.Code)
	}
}

func TestJourneyList(t *testing.T) {
	deps, engine := testDeps(t)
	r := NewRouter(deps)

	ctx := context.Background()
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if _, err := engine.Create(ctx, "onboarding", model.Hero{Type: "account", ID: id}, nil); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	paused, err := engine.Create(ctx, "onboarding", model.Hero{Type: "account", ID: "a-4"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Pause(ctx, paused.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	tests := []struct {
		query     string
		wantTotal int
		wantItems int
		wantPage  int
	}{
		{"", 4, 4, 1},
		{"?state=paused", 1, 1, 1},
		{"?hero_type=account&hero_id=a-2", 1, 1, 1},
		{"?page=2&page_size=3", 4, 1, 2},
		{"?journey_type=other", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, r, http.MethodGet, "/journeys"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			var page model.JourneyPage
			if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if page.Total != tt.wantTotal || len(page.Items) != tt.wantItems || page.Page != tt.wantPage {
				t.Errorf("total=%d items=%d page=%d, want %d/%d/%d",
					page.Total, len(page.Items), page.Page, tt.wantTotal, tt.wantItems, tt.wantPage)
			}
		})
	}

	w := do(t, r, http.MethodGet, "/journeys?state=asleep", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid state filter status = %d, want 422", w.Code)
	}

	w = do(t, r, http.MethodGet, "/journeys?page_size=1000", "")
	var page model.JourneyPage
	json.NewDecoder(w.Body).Decode(&page)
	if page.PageSize != maxPageSize {
		t.Errorf("page_size = %d, want capped at %d", page.PageSize, maxPageSize)
	}
}

func TestHeroJourneys(t *testing.T) {
	deps, engine := testDeps(t)
	r := NewRouter(deps)

	j, err := engine.Create(context.Background(), "onboarding", model.Hero{Type: "account", ID: "a-1"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var resp struct {
		Items []model.Journey `json:"items"`
	}
	w := do(t, r, http.MethodGet, "/heroes/account/a-1/journeys/onboarding", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Items) != 1 || resp.Items[0].ID != j.ID {
		t.Errorf("items = %+v, want the active journey", resp.Items)
	}

	w = do(t, r, http.MethodGet, "/heroes/account/a-9/journeys/onboarding", "")
	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Errorf("body = %s, want empty items array", w.Body.String())
	}
}

func TestJourneyCancel_defaultReason(t *testing.T) {
	deps, engine := testDeps(t)
	j, err := engine.Create(context.Background(), "onboarding", model.Hero{Type: "account", ID: "a-1"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := do(t, NewRouter(deps), http.MethodPost, "/journeys/"+j.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeJourney(t, w); got.LastError != "canceled by operator" {
		t.Errorf("reason = %q", got.LastError)
	}
}

func TestNewRouter_authenticatedOperator(t *testing.T) {
	deps, _ := testDeps(t)
	cfg := testIdentityCfg()
	deps.Config.Identity = cfg
	deps.Authenticate = JWTAuthenticator(cfg, testSecret, nil)
	r := NewRouter(deps)

	if w := do(t, r, http.MethodGet, "/journeys", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/journeys", strings.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, "", validClaims()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestNewRouter_operatorRole(t *testing.T) {
	deps, _ := testDeps(t)
	cfg := testIdentityCfg()
	cfg.OperatorRole = "journey-operator"
	deps.Config.Identity = cfg
	deps.Authenticate = JWTAuthenticator(cfg, testSecret, nil)
	r := NewRouter(deps)

	send := func(method, path, body string, claims jwt.MapClaims) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, "", claims))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	viewer := validClaims()
	viewer["roles"] = []any{"viewer"}
	if w := send(http.MethodPost, "/journeys", createBody, viewer); w.Code != http.StatusForbidden {
		t.Errorf("viewer create status = %d, want 403", w.Code)
	}
	if w := send(http.MethodGet, "/journeys", "", viewer); w.Code != http.StatusOK {
		t.Errorf("viewer list status = %d, want 200", w.Code)
	}

	operator := validClaims()
	operator["roles"] = []any{"journey-operator"}
	w := send(http.MethodPost, "/journeys", createBody, operator)
	if w.Code != http.StatusCreated {
		t.Fatalf("operator create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeJourney(t, w)
	if w := send(http.MethodPost, "/journeys/"+created.ID+"/pause", "", viewer); w.Code != http.StatusForbidden {
		t.Errorf("viewer pause status = %d, want 403", w.Code)
	}
}
