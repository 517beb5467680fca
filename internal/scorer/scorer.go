// Package scorer runs the external anomaly model that fits a line's good
// images and scores inspection images.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/linewatch/linewatch/internal/errs"
)

// FitRequest describes one training run.
type FitRequest struct {
	LineID    uint
	ImagesDir string // directory of good images
	OutDir    string // staging directory for the artifact
}

// Model is a fitted model artifact.
type Model struct {
	Path string
}

// Result is the score of one image. Mask is the per-pixel anomaly map and
// may be empty.
type Result struct {
	Score float64     `json:"score"`
	Mask  [][]float32 `json:"mask,omitempty"`
}

// VisionScorer fits and applies an anomaly model. Implementations must
// return exactly one Result per input image, in order.
type VisionScorer interface {
	Fit(ctx context.Context, req FitRequest) (Model, error)
	Score(ctx context.Context, model Model, images []string) ([]Result, error)
}

// imageExts lists the file extensions treated as images.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ListImages returns the image files directly under dir, sorted by name.
// A missing directory yields no images and no error.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scorer: list images %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Bounded limits every call of the wrapped scorer to Timeout. A call that
// runs out of time fails with a ScorerError wrapping context.DeadlineExceeded.
type Bounded struct {
	Scorer  VisionScorer
	Timeout time.Duration
}

// WithTimeout wraps s so each call is bounded by d. A non-positive d
// returns s unchanged.
func WithTimeout(s VisionScorer, d time.Duration) VisionScorer {
	if d <= 0 {
		return s
	}
	return &Bounded{Scorer: s, Timeout: d}
}

func (b *Bounded) Fit(ctx context.Context, req FitRequest) (Model, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	m, err := b.Scorer.Fit(ctx, req)
	return m, b.check(ctx, "fit", err)
}

func (b *Bounded) Score(ctx context.Context, model Model, images []string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	res, err := b.Scorer.Score(ctx, model, images)
	return res, b.check(ctx, "score", err)
}

func (b *Bounded) check(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errs.ScorerError{Op: op, Err: fmt.Errorf("timed out after %s: %w", b.Timeout, context.DeadlineExceeded)}
	}
	return err
}
