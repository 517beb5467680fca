package sweep

import (
	"fmt"
	"log"

	"github.com/linewatch/linewatch/internal/config"
	"github.com/robfig/cron/v3"
)

// Schedule starts a cron scheduler that calls fn on spec, which accepts
// 5-field expressions and descriptors such as "@every 1m". A run that is
// still in progress when the next one fires causes that firing to be
// skipped. Call Stop on the returned scheduler to end it.
func Schedule(spec string, fn func()) (*cron.Cron, error) {
	if _, err := config.CronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("sweep: schedule %q: %w", spec, err)
	}
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, fn); err != nil {
		return nil, fmt.Errorf("sweep: schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
