package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes robfig/cron's logging through slog. Cron's info lines
// (schedule, wake, run) are noisy, so they go to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
