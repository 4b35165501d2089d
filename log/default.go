package log

import (
	"log/slog"
	"os"
	"strings"
)

// $KITE_LOG_LEVEL
var verbose slog.LevelVar

// Verbose returns the configured log level.
func Verbose() slog.Level {
	return verbose.Level()
}

func init() {
	verbose.Set(slog.LevelInfo)

	setLevel := strings.TrimSpace(
		os.Getenv("KITE_LOG_LEVEL"),
	)
	if level, err := parseLevel(setLevel); err == nil {
		verbose.Set(level)
	}

	slog.SetDefault(
		slog.New(console(os.Stdout, verbose.Level())),
	)
}
