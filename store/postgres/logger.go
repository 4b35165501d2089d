package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v4"
)

// pgxLogger forwards pgx driver events to slog.
type pgxLogger struct {
	log *slog.Logger
}

func newPGXLogger(log *slog.Logger) *pgxLogger {
	return &pgxLogger{log: log}
}

func (l *pgxLogger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]any) {
	attrs := make([]any, 0, len(data)*2)
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	l.log.Log(ctx, pgxLevel(level), msg, attrs...)
}

func pgxLevel(level pgx.LogLevel) slog.Level {
	switch level {
	case pgx.LogLevelTrace, pgx.LogLevelDebug, pgx.LogLevelInfo:
		// Driver chatter stays below the service's info stream.
		return slog.LevelDebug
	case pgx.LogLevelWarn:
		return slog.LevelWarn
	case pgx.LogLevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
