// Package artifact publishes trained model artifacts and resolves published
// references back to local paths the scorer can load.
package artifact

import (
	"context"
	"fmt"
	"os"
)

// PublishRequest identifies a staged training output.
type PublishRequest struct {
	LineID    uint
	RunID     string
	StageDir  string // directory the scorer wrote into
	ModelPath string // model file or directory inside StageDir
}

// Store publishes staged artifacts. The returned reference is what a line
// stores as its ModelPath.
type Store interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}

// Local keeps artifacts where the scorer staged them.
type Local struct{}

// Publish returns the staged model path once it exists.
func (Local) Publish(_ context.Context, req PublishRequest) (string, error) {
	if _, err := os.Stat(req.ModelPath); err != nil {
		return "", fmt.Errorf("artifact: publish line %d: %w", req.LineID, err)
	}
	return req.ModelPath, nil
}

// Resolve returns ref unchanged once it exists.
func (Local) Resolve(_ context.Context, ref string) (string, error) {
	if _, err := os.Stat(ref); err != nil {
		return "", fmt.Errorf("artifact: resolve %s: %w", ref, err)
	}
	return ref, nil
}
