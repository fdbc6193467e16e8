package model

import "time"

// Journey state constants.
const (
	JourneyStateReady      = "ready"
	JourneyStatePerforming = "performing"
	JourneyStateSleeping   = "sleeping"
	JourneyStatePaused     = "paused"
	JourneyStateFinished   = "finished"
	JourneyStateCanceled   = "canceled"
	JourneyStateFailed     = "failed"
)

// JourneyStates lists every state a persisted journey can be in.
var JourneyStates = []string{
	JourneyStateReady,
	JourneyStatePerforming,
	JourneyStateSleeping,
	JourneyStatePaused,
	JourneyStateFinished,
	JourneyStateCanceled,
	JourneyStateFailed,
}

// transitions is the table of permitted state changes. A state moving to
// itself is not a transition and is never listed.
var transitions = map[string][]string{
	JourneyStateReady:      {JourneyStatePerforming, JourneyStatePaused, JourneyStateCanceled},
	JourneyStateSleeping:   {JourneyStateReady, JourneyStatePerforming, JourneyStatePaused, JourneyStateCanceled},
	JourneyStatePerforming: {JourneyStateReady, JourneyStateSleeping, JourneyStatePaused, JourneyStateFinished, JourneyStateCanceled, JourneyStateFailed},
	JourneyStatePaused:     {JourneyStateReady, JourneyStateSleeping, JourneyStateCanceled},
}

// IsValidJourneyState reports whether s is one of the seven journey states.
func IsValidJourneyState(s string) bool {
	for _, st := range JourneyStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether s is finished, canceled or failed.
func IsTerminalState(s string) bool {
	return s == JourneyStateFinished || s == JourneyStateCanceled || s == JourneyStateFailed
}

// IsActiveState reports whether a journey in state s still counts towards
// the one-active-journey-per-hero rule.
func IsActiveState(s string) bool {
	return IsValidJourneyState(s) && !IsTerminalState(s)
}

// CanTransition reports whether the transition table permits from -> to.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Hero identifies the business entity a journey runs on behalf of.
type Hero struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the hero is unset.
func (h Hero) IsZero() bool { return h.Type == "" && h.ID == "" }

// Journey is the persisted record of one run of a journey type.
type Journey struct {
	ID               string         `json:"id"`
	JourneyType      string         `json:"journey_type"`
	Hero             Hero           `json:"hero"`
	State            string         `json:"state"`
	NextStepName     string         `json:"next_step_name,omitempty"`
	PausedAtStep     string         `json:"paused_at_step,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	IdempotencyToken string         `json:"-"`
	AttemptCount     int            `json:"attempt_count"`
	AllowMultiple    bool           `json:"allow_multiple"`
	Params           map[string]any `json:"params,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the journey has reached a one-way state.
func (j *Journey) IsTerminal() bool { return IsTerminalState(j.State) }

// Clone returns a copy that shares no mutable memory with j.
func (j Journey) Clone() Journey {
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		j.ScheduledAt = &t
	}
	if j.Params != nil {
		params := make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		j.Params = params
	}
	return j
}

// JourneyFilters are optional filters for listing journeys.
type JourneyFilters struct {
	JourneyType string
	State       string
	HeroType    string
	HeroID      string
	Limit       int
	Offset      int
}

// JourneyPage is one page of a journey listing.
type JourneyPage struct {
	Items    []Journey `json:"items"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
