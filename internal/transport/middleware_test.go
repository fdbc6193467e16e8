package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/model"
)

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic should be logged")
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"generated", ""},
		{"propagated", "test-corr-123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Correlation-Id", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("correlation ID missing from context")
			}
			if tt.header != "" && seen != tt.header {
				t.Errorf("correlation ID = %q, want %q", seen, tt.header)
			}
			if got := w.Header().Get("X-Correlation-Id"); got != seen {
				t.Errorf("response X-Correlation-Id = %q, want %q", got, seen)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "no-referrer",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBuildRequestContext(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.IdentityConfig
		claims    map[string]any
		wantSub   string
		wantRoles []string
		wantActor string
	}{
		{
			name:      "default claims",
			claims:    map[string]any{"sub": "operator-1", "roles": []any{"admin", "viewer"}},
			wantSub:   "operator-1",
			wantRoles: []string{"admin", "viewer"},
			wantActor: "operator-1",
		},
		{
			name:      "custom claims",
			cfg:       config.IdentityConfig{SubjectClaim: "preferred_username", RolesClaim: "groups"},
			claims:    map[string]any{"sub": "ignored", "preferred_username": "ops", "groups": []any{"sre"}},
			wantSub:   "ops",
			wantRoles: []string{"sre"},
			wantActor: "ops",
		},
		{
			name:      "no claims",
			wantActor: model.AnonymousActor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rctx *model.RequestContext
			var actor string
			handler := BuildRequestContext(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rctx = model.RequestContextFrom(r.Context())
				actor = model.ActorFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if rctx == nil {
				t.Fatal("RequestContext should be in context")
			}
			if rctx.SubjectID != tt.wantSub {
				t.Errorf("SubjectID = %q, want %q", rctx.SubjectID, tt.wantSub)
			}
			if len(rctx.Roles) != len(tt.wantRoles) {
				t.Fatalf("Roles = %v, want %v", rctx.Roles, tt.wantRoles)
			}
			for i := range tt.wantRoles {
				if rctx.Roles[i] != tt.wantRoles[i] {
					t.Errorf("Roles[%d] = %q, want %q", i, rctx.Roles[i], tt.wantRoles[i])
				}
			}
			if actor != tt.wantActor {
				t.Errorf("actor = %q, want %q", actor, tt.wantActor)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		role   string
		claims map[string]any
		want   int
	}{
		{name: "no role configured", want: http.StatusOK},
		{name: "role granted", role: "journey-operator", claims: map[string]any{"sub": "ops", "roles": []any{"journey-operator"}}, want: http.StatusOK},
		{name: "role missing", role: "journey-operator", claims: map[string]any{"sub": "ops", "roles": []any{"viewer"}}, want: http.StatusForbidden},
		{name: "anonymous", role: "journey-operator", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			handler := BuildRequestContext(config.IdentityConfig{})(RequireRole(tt.role)(ok))

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusForbidden {
				if code := errorCode(t, w); code != model.ErrForbidden {
					t.Errorf("error code = %q, want %s", code, model.ErrForbidden)
				}
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	handler = HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have deadline when timeout is 0")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d request entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v, want 418", got)
	}
}
