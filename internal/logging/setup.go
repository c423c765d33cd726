package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Setup builds the process logger, installs it as slog's default and returns it.
// format is "text" or "json"; level is debug, info, warn or error.
func Setup(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(defaultString(level, "info")))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var inner slog.Handler
	switch strings.ToLower(defaultString(format, "text")) {
	case "text":
		inner = slog.NewTextHandler(w, opts)
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	logger := slog.New(NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger, nil
}

// WithModule tags a logger with the component that owns it.
func WithModule(logger *slog.Logger, module string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("module", module))
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
