package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports an unknown bug or developer id.
var ErrNotFound = errors.New("not found")

// FieldError names one offending input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field failure.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// FieldNames returns the offending field names in order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return names
}

// Invalid is shorthand for a single-field ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// PredictionUnavailableError wraps a provider failure or timeout during create.
type PredictionUnavailableError struct {
	Err error
}

func (e *PredictionUnavailableError) Error() string {
	return fmt.Sprintf("prediction unavailable: %v", e.Err)
}

func (e *PredictionUnavailableError) Unwrap() error { return e.Err }

// ImportSourceError reports an unreachable feed or batch file.
type ImportSourceError struct {
	Source string
	Err    error
}

func (e *ImportSourceError) Error() string {
	return fmt.Sprintf("import source %s: %v", e.Source, e.Err)
}

func (e *ImportSourceError) Unwrap() error { return e.Err }

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid bug status transition %s -> %s", e.From, e.To)
}
