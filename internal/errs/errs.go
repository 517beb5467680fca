// Package errs defines the error taxonomy shared by the store, the jobs and
// the HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrScorer     = errors.New("scorer failed")
	ErrNotifier   = errors.New("notification failed")
)

// NotFoundError reports an unknown line or prediction id.
type NotFoundError struct {
	Kind string // "line", "prediction"
	ID   uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind string, id uint) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports malformed create or update input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ScorerError wraps a model fit or score failure.
type ScorerError struct {
	Op  string // "fit", "score"
	Err error
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("scorer %s: %v", e.Op, e.Err)
}

func (e *ScorerError) Unwrap() error { return e.Err }

func (e *ScorerError) Is(target error) bool { return target == ErrScorer }

// NotifierError wraps a delivery failure on one alert channel.
type NotifierError struct {
	Channel string
	Err     error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Channel, e.Err)
}

func (e *NotifierError) Unwrap() error { return e.Err }

func (e *NotifierError) Is(target error) bool { return target == ErrNotifier }

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
