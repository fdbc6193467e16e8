package definition

import (
	"fmt"
	"strings"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// VErrors collects every problem found in one definition.
type VErrors []VError

func (es VErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a journey type structurally. It returns nil when the
// definition is usable.
func Validate(jt *JourneyType) VErrors {
	var errs VErrors

	if strings.TrimSpace(jt.name) == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "journey type name is required"})
	}
	if len(jt.steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	seen := make(map[string]bool, len(jt.steps))
	for i, s := range jt.steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		if s.Name == "" {
			errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
		} else if seen[s.Name] {
			errs = append(errs, VError{Path: prefix + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("step %q is defined twice", s.Name)})
		}
		seen[s.Name] = true

		if s.Body == nil {
			errs = append(errs, VError{Path: prefix + ".body", Code: "REQUIRED", Message: "step body is required"})
		}
		if s.Wait < 0 {
			errs = append(errs, VError{Path: prefix + ".wait", Code: "INVALID", Message: "wait must not be negative"})
		}
		if !s.OnException.Valid() {
			errs = append(errs, VError{Path: prefix + ".on_exception", Code: "INVALID", Message: fmt.Sprintf("unknown exception policy %q", s.OnException)})
		}
		if s.MaxAttempts < 0 {
			errs = append(errs, VError{Path: prefix + ".max_attempts", Code: "INVALID", Message: "max_attempts must not be negative"})
		}
	}
	return errs
}
