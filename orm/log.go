package orm

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface. Queries are
// echoed at Debug level with the statement and its arguments; strategy
// warnings go out at Warn level.
func SlogLogger(l *slog.Logger) Logger {
	return slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Log(ctx context.Context, query string, args ...any) {
	s.l.DebugContext(ctx, query, slog.Any("args", args))
}

func (s slogLogger) Warn(ctx context.Context, msg string) {
	s.l.WarnContext(ctx, msg)
}

var _ WarnLogger = slogLogger{}
