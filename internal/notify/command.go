package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Command runs a shell command template per alert, e.g.
// "notify-send '{{.Subject}}' '{{.Body}}'".
type Command struct {
	Template string
}

// Send runs the templated command and fails on a non-zero exit.
func (c *Command) Send(ctx context.Context, msg Message) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", templateMessage(c.Template, msg))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateMessage replaces placeholders in the command template with message values.
func templateMessage(command string, msg Message) string {
	r := strings.NewReplacer(
		"{{.Subject}}", msg.Subject,
		"{{.Body}}", msg.Body,
		"{{.To}}", msg.To,
		"{{.LineID}}", fmt.Sprint(msg.LineID),
		"{{.LineName}}", msg.LineName,
		"{{.Quality}}", fmt.Sprintf("%.1f", msg.Quality),
		"{{.Threshold}}", fmt.Sprint(msg.Threshold),
	)
	return r.Replace(command)
}
