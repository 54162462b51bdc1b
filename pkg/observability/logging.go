package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the process-wide default slog logger from a level
// string ("debug", "info", "warn", "error") and returns it. Components pick
// it up via slog.Default().With("component", name), so this must run before
// the server is constructed.
func InitLogging(level string) *slog.Logger {
	return InitLoggingWithWriter(os.Stderr, level)
}

// InitLoggingWithWriter is InitLogging with an explicit output, for tests.
func InitLoggingWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default: // "info" or anything unrecognised
		return slog.LevelInfo
	}
}
