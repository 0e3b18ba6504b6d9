// Package logging configures the process-wide slog handler for the command
// line tools.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds a handler for the given format: "json", or colored text
// via tint. When running under systemd the journal adds its own timestamps,
// so text output drops them and disables color.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(w, opts)
}

// Setup installs the default slog logger with the given level and format,
// writing to stderr.
func Setup(levelName, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, ParseLevel(levelName), format)))
}
