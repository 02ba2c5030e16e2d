package playerstore

import (
	"context"
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler,
// using the PLAYERSTORE_LOG_LEVEL environment variable to pick a level
// (DEBUG, WARN, ERROR; anything else defaults to INFO). Applications that
// want their own slog setup can skip this and call SetLogLevel directly.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)

	switch os.Getenv("PLAYERSTORE_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the level used by the logger ConfigureLogging installs.
func SetLogLevel(level slog.Level) { logLevel.Set(level) }

// Log sends one record to cb, if cb is non-nil, after the default slog
// logger, for packages that need to mirror a log record through a store's
// LogCallback without duplicating dispatchLog's level-name mapping.
func Log(cb LogCallback, level slog.Level, msg string, attrs map[string]any) {
	dispatchLog(cb, level, msg, attrs)
}

// dispatchLog sends one record to cb, if cb is non-nil, after the default
// slog logger. Swallows cb's own panics so a faulty host callback cannot
// take down the engine.
func dispatchLog(cb LogCallback, level slog.Level, msg string, attrs map[string]any) {
	slog.Log(context.Background(), level, msg, logAttrs(attrs)...)
	if cb == nil {
		return
	}
	defer func() { recover() }()
	levelName := "INFO"
	switch level {
	case slog.LevelDebug:
		levelName = "DEBUG"
	case slog.LevelWarn:
		levelName = "WARN"
	case slog.LevelError:
		levelName = "ERROR"
	}
	cb(levelName, msg, attrs)
}

func logAttrs(attrs map[string]any) []any {
	out := make([]any, 0, len(attrs)*2)
	for k, v := range attrs {
		out = append(out, k, v)
	}
	return out
}
