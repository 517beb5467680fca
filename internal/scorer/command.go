package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/linewatch/linewatch/internal/errs"
)

// Command runs an external scorer program. The program receives
//
//	<args> fit --images <dir> --out <dir>
//	<args> score --model <path> <image>...
//
// and prints a JSON document on stdout.
type Command struct {
	Path string
	Args []string
	Dir  string // working directory, optional
}

type fitOutput struct {
	ModelPath string `json:"model_path"`
}

type scoreOutput struct {
	Results []Result `json:"results"`
}

// Fit trains a model on the good images in req.ImagesDir.
func (c *Command) Fit(ctx context.Context, req FitRequest) (Model, error) {
	out, err := c.run(ctx, "fit", "--images", req.ImagesDir, "--out", req.OutDir)
	if err != nil {
		return Model{}, &errs.ScorerError{Op: "fit", Err: err}
	}
	var fo fitOutput
	if err := json.Unmarshal(out, &fo); err != nil {
		return Model{}, &errs.ScorerError{Op: "fit", Err: fmt.Errorf("decode output: %w", err)}
	}
	if fo.ModelPath == "" {
		return Model{}, &errs.ScorerError{Op: "fit", Err: fmt.Errorf("output has no model_path")}
	}
	return Model{Path: fo.ModelPath}, nil
}

// Score returns one result per image, in order.
func (c *Command) Score(ctx context.Context, model Model, images []string) ([]Result, error) {
	if len(images) == 0 {
		return nil, nil
	}
	args := append([]string{"score", "--model", model.Path}, images...)
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, &errs.ScorerError{Op: "score", Err: err}
	}
	var so scoreOutput
	if err := json.Unmarshal(out, &so); err != nil {
		return nil, &errs.ScorerError{Op: "score", Err: fmt.Errorf("decode output: %w", err)}
	}
	if len(so.Results) != len(images) {
		return nil, &errs.ScorerError{Op: "score", Err: fmt.Errorf("got %d results for %d images", len(so.Results), len(images))}
	}
	return so.Results, nil
}

// run executes the scorer and returns its stdout. The process is sent
// SIGTERM when ctx is done.
func (c *Command) run(ctx context.Context, extra ...string) ([]byte, error) {
	args := append(append([]string{}, c.Args...), extra...)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", c.Path, extra[0], ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w%s", c.Path, extra[0], err, stderrTail(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// stderrTail formats the last line of stderr for error messages.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return ": " + s
}
