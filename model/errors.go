package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Journey-specific error codes.
const (
	ErrJourneyNotFound     = "JOURNEY_NOT_FOUND"
	ErrJourneyTypeNotFound = "JOURNEY_TYPE_NOT_FOUND"
	ErrJourneyActive       = "JOURNEY_ALREADY_ACTIVE"
	ErrJourneyTerminal     = "JOURNEY_TERMINAL"
	ErrJourneyBusy         = "JOURNEY_BUSY"
	ErrInvalidState        = "INVALID_STATE"
	ErrUnknownStep         = "UNKNOWN_STEP"
)

// ErrorEnvelope is the standard error response envelope returned by the
// operator API and by engine operations. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err, or any error it wraps, is an ErrorEnvelope
// carrying code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewJourneyNotFoundError returns a JOURNEY_NOT_FOUND error.
func NewJourneyNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJourneyNotFound, Message: fmt.Sprintf("journey %q not found", id)}
}

// NewJourneyTypeNotFoundError returns a JOURNEY_TYPE_NOT_FOUND error.
func NewJourneyTypeNotFoundError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJourneyTypeNotFound, Message: fmt.Sprintf("journey type %q is not registered", name)}
}

// NewJourneyActiveError returns a JOURNEY_ALREADY_ACTIVE error.
func NewJourneyActiveError(journeyType string, hero Hero) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrJourneyActive,
		Message: fmt.Sprintf("an active %q journey already exists for %s/%s", journeyType, hero.Type, hero.ID),
	}
}

// NewJourneyTerminalError returns a JOURNEY_TERMINAL error.
func NewJourneyTerminalError(id, state string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJourneyTerminal, Message: fmt.Sprintf("journey %q is %s", id, state)}
}

// NewJourneyBusyError returns a JOURNEY_BUSY error.
func NewJourneyBusyError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJourneyBusy, Message: fmt.Sprintf("journey %q is performing a step", id)}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(id, state, op string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: fmt.Sprintf("cannot %s journey %q in state %s", op, id, state)}
}

// NewUnknownStepError returns an UNKNOWN_STEP error.
func NewUnknownStepError(journeyType, step string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownStep, Message: fmt.Sprintf("journey type %q has no step %q", journeyType, step)}
}
