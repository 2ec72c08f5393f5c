// Package observability provides logging helpers for renderd.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/clipjoint/renderd/internal/config"
)

// LevelTrace is a custom log level below debug for very high-volume
// diagnostics such as per-event progress relaying.
const LevelTrace = slog.Level(-8)

// redactedPlaceholder replaces sensitive values in log output.
const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys are attribute keys (and URL query parameter names) whose
// values are never written to logs. Matching is case-insensitive.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"api_key":       true,
	"access_token":  true,
	"refresh_token": true,
	"credential":    true,
	"authorization": true,
}

// NewLoggerWithWriter builds a slog.Logger from the logging config. Callers
// pick the writer explicitly; the worker must keep stdout clean for its
// event stream, so logs there go to stderr.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	// Deep redaction for struct values logged via slog.Any. Plain attrs
	// are handled by the key/URL checks in replaceAttr below.
	deepRedact := masq.New(
		masq.WithTag("secret"),
		masq.WithFieldPrefix("secret_"),
		masq.WithFieldName("Password"),
		masq.WithFieldName("APIKey"),
		masq.WithFieldName("Token"),
		masq.WithFieldName("Credential"),
	)

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(cfg, deepRedact),
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// SetDefault installs the logger as the process-wide slog default so
// package-level slog calls share the same handler.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

func replaceAttr(cfg config.LoggingConfig, deepRedact func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		case slog.LevelKey:
			// Name the custom trace level instead of showing "DEBUG-4"
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
			return a
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String("logpos", fmt.Sprintf("%s:%d", trimSourcePath(src.File), src.Line))
			}
			return a
		}

		if sensitiveKeys[strings.ToLower(a.Key)] {
			return slog.String(a.Key, redactedPlaceholder)
		}

		if a.Value.Kind() == slog.KindString {
			if redacted, ok := redactURLParams(a.Value.String()); ok {
				return slog.String(a.Key, redacted)
			}
			return a
		}

		return deepRedact(groups, a)
	}
}

// trimSourcePath shortens an absolute source path to a module-relative one.
func trimSourcePath(file string) string {
	for _, marker := range []string{"/internal/", "/cmd/", "/pkg/"} {
		if i := strings.LastIndex(file, marker); i >= 0 {
			return file[i+1:]
		}
	}
	return file
}

// redactURLParams replaces the values of sensitive query parameters in a
// URL-shaped string. Parameter order and encoding are preserved so the
// rest of the URL stays greppable.
func redactURLParams(s string) (string, bool) {
	qIdx := strings.Index(s, "?")
	if qIdx < 0 || qIdx == len(s)-1 {
		return s, false
	}
	base, query := s[:qIdx], s[qIdx+1:]

	parts := strings.Split(query, "&")
	changed := false
	for i, part := range parts {
		name, _, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if sensitiveKeys[strings.ToLower(name)] {
			parts[i] = name + "=" + redactedPlaceholder
			changed = true
		}
	}
	if !changed {
		return s, false
	}
	return base + "?" + strings.Join(parts, "&"), true
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
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

type requestIDCtxKey struct{}

// ContextWithRequestID stores a request ID for later log correlation.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, id)
}

// RequestIDFromContext returns the stored request ID, or "" when the
// context never passed through the request ID middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}
