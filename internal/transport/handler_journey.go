package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxCreateBody   = 1 << 20
)

// JourneyService is the engine surface the operator API drives.
type JourneyService interface {
	Create(ctx context.Context, journeyType string, hero model.Hero, params map[string]any) (model.Journey, error)
	Get(ctx context.Context, journeyID string) (model.Journey, error)
	List(ctx context.Context, filters model.JourneyFilters) (model.JourneyPage, error)
	FindActiveForHero(ctx context.Context, hero model.Hero, journeyType string) ([]model.Journey, error)
	Pause(ctx context.Context, journeyID string) (model.Journey, error)
	Resume(ctx context.Context, journeyID string) (model.Journey, error)
	Cancel(ctx context.Context, journeyID, reason string) (model.Journey, error)
}

// handleJourneyCreate starts a journey. With an Idempotency-Key header and a
// configured store, a repeated request returns the journey the first one
// created.
func handleJourneyCreate(svc JourneyService, idem IdempotencyStore, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}
		var body struct {
			JourneyType string         `json:"journey_type"`
			Hero        model.Hero     `json:"hero"`
			Params      map[string]any `json:"params"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.JourneyType == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "journey_type", Code: "REQUIRED", Message: "journey type is required"},
			})
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if idem == nil || ttl <= 0 {
			key = ""
		}
		hash := hashRequest(raw)
		logger := observability.LoggerFrom(r.Context(), zap.NewNop())
		if key != "" {
			id, reserved, err := idem.Reserve(r.Context(), key, hash, ttl)
			if err != nil {
				WriteError(w, err)
				return
			}
			if !reserved {
				j, err := svc.Get(r.Context(), id)
				if err != nil {
					WriteError(w, err)
					return
				}
				w.Header().Set("Idempotent-Replayed", "true")
				WriteJSON(w, http.StatusOK, j)
				return
			}
		}

		j, err := svc.Create(r.Context(), body.JourneyType, body.Hero, body.Params)
		if err != nil {
			if key != "" {
				if relErr := idem.Release(r.Context(), key); relErr != nil {
					logger.Warn("idempotency key not released", zap.Error(relErr))
				}
			}
			WriteError(w, err)
			return
		}
		if key != "" {
			if err := idem.Complete(r.Context(), key, hash, j.ID, ttl); err != nil {
				logger.Warn("idempotency key not recorded",
					zap.String("journey_id", j.ID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusCreated, j)
	}
}

func handleJourneyList(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := q.Get("state")
		if state != "" && !model.IsValidJourneyState(state) {
			WriteValidationError(w, []model.FieldError{
				{Field: "state", Code: "INVALID", Message: "unknown journey state " + strconv.Quote(state)},
			})
			return
		}

		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		pageSize := queryInt(r, "page_size", defaultPageSize)
		if pageSize < 1 {
			pageSize = defaultPageSize
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		result, err := svc.List(r.Context(), model.JourneyFilters{
			JourneyType: q.Get("journey_type"),
			State:       state,
			HeroType:    q.Get("hero_type"),
			HeroID:      q.Get("hero_id"),
			Limit:       pageSize,
			Offset:      (page - 1) * pageSize,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		if result.Items == nil {
			result.Items = []model.Journey{}
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleJourneyGet(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := svc.Get(r.Context(), chi.URLParam(r, "journeyId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, j)
	}
}

func handleHeroJourneys(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hero := model.Hero{
			Type: chi.URLParam(r, "heroType"),
			ID:   chi.URLParam(r, "heroId"),
		}
		items, err := svc.FindActiveForHero(r.Context(), hero, chi.URLParam(r, "journeyType"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if items == nil {
			items = []model.Journey{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func handleJourneyPause(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := svc.Pause(r.Context(), chi.URLParam(r, "journeyId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, j)
	}
}

func handleJourneyResume(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := svc.Resume(r.Context(), chi.URLParam(r, "journeyId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, j)
	}
}

func handleJourneyCancel(svc JourneyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The body is optional; an empty one cancels with the default reason.
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		j, err := svc.Cancel(r.Context(), chi.URLParam(r, "journeyId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, j)
	}
}

// queryInt extracts an integer query parameter with a default value.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
