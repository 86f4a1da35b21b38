package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logger behind every component logger. Records
// emitted with a context carry the query id and, when a span is active,
// its trace id.
type Logger struct {
	h *slog.Logger
}

// LogConfig selects level, encoding and destination. Unknown levels fall
// back to info, any format other than "json" produces logfmt-style text.
type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
}

// NewLogger builds a Logger from cfg. Output defaults to stderr.
func NewLogger(cfg LogConfig) *Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return &Logger{h: slog.New(slog.NewJSONHandler(out, opts))}
	}
	return &Logger{h: slog.New(slog.NewTextHandler(out, opts))}
}

// With returns a Logger that adds the key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{h: l.h.With(args...)}
}

// WithContext scopes l to the query and trace carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := contextFields(ctx)
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

func (l *Logger) Debug(msg string, args ...any) { l.h.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.h.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.h.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.h.Error(msg, args...) }

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.h.InfoContext(ctx, msg, append(contextFields(ctx), args...)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.h.WarnContext(ctx, msg, append(contextFields(ctx), args...)...)
}

func contextFields(ctx context.Context) []any {
	var fields []any
	if id := QueryIDFromContext(ctx); id != "" {
		fields = append(fields, "query_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	return fields
}

type queryIDKey struct{}

// ContextWithQueryID tags ctx with the id of the query being served.
func ContextWithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queryIDKey{}, id)
}

// QueryIDFromContext returns the query id set by ContextWithQueryID, or "".
func QueryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(queryIDKey{}).(string)
	return id
}
