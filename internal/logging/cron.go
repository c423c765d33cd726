package logging

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

// CronLogger adapts a slog logger to robfig/cron. Cron's info lines go to debug.
func CronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: WithModule(logger, "cron")}
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, attrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(attrs(keysAndValues), slog.Any("error", err))...)
}

func attrs(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, slog.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
