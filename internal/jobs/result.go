// Package jobs runs training and prediction jobs against the store and the
// vision scorer. Jobs never panic or return errors to their caller: every
// outcome is a Result, and failures leave the line or prediction in its
// failure state.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/linewatch/linewatch/internal/errs"
)

// Reason codes recorded on failed jobs.
const (
	ReasonNotFound   = "not_found"
	ReasonNoModel    = "no_model"
	ReasonNoImages   = "no_images"
	ReasonScorer     = "scorer"
	ReasonTimeout    = "timeout"
	ReasonStore      = "store"
	ReasonInvalid    = "invalid"
	ReasonWorkerLost = "worker_lost"
	ReasonCancelled  = "cancelled"
)

// Result is the outcome of one job run.
type Result struct {
	OK     bool
	Reason string
	Err    error
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	return fmt.Sprintf("%s: %v", r.Reason, r.Err)
}

func success() Result { return Result{OK: true} }

func failure(reason string, err error) Result {
	return Result{Reason: reason, Err: err}
}

// classify maps an error to its reason code.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, errs.ErrScorer):
		return ReasonScorer
	case errors.Is(err, errs.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, errs.ErrValidation):
		return ReasonInvalid
	default:
		return ReasonStore
	}
}

// newRunID creates a training run ID in run-xxxxxxxx format (8-char hex).
func newRunID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("jobs: generate run ID: %w", err)
	}
	return "run-" + hex.EncodeToString(b), nil
}
