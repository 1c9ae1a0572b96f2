// Package observability provides structured logging with correlation-id
// propagation, the closed event-type vocabulary used across the core,
// queue-log emission, and Prometheus metrics.
//
// The logging layer is built on log/slog:
//   - JSON output for production, text for development
//   - correlation id and user id pulled from context on every record
//   - redaction of API keys and tokens before they reach a sink
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// defaultRedactPatterns cover the credentials this codebase handles.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?([^\s"']{12,})["']?`,
}

var redacts = compilePatterns(defaultRedactPatterns)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// Redact masks credential-shaped substrings in s.
func Redact(s string) string {
	for _, re := range redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// NewLogger builds a slog.Logger whose handler enriches every record
// with the correlation id and user id held in the context.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(&contextHandler{inner: handler})
}

// contextHandler injects context-carried identifiers into each record.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		rec.AddAttrs(slog.String("correlation_id", id))
	}
	if uid, ok := UserID(ctx); ok {
		rec.AddAttrs(slog.Int64("user_id", uid))
	}
	rec.Message = Redact(rec.Message)
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
