package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger is a structured logger with sensitive-data redaction. Provider
// error bodies, request URLs, and header dumps pass through the redaction
// patterns before reaching any sink, so an API key embedded in a Gemini URL
// or an Authorization header never lands in a log line.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format selects "json" or "text" output.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// RedactPatterns extend the built-in redaction set.
	RedactPatterns []string
}

// ContextKey is the type for context values the logger extracts.
type ContextKey string

const (
	// RequestIDKey carries the per-turn request ID.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey carries the conversation session ID.
	SessionIDKey ContextKey = "session_id"
)

// DefaultRedactPatterns covers the secret shapes the engine handles: vendor
// API keys, bearer tokens, and key-bearing URL query parameters.
var DefaultRedactPatterns = []string{
	// Anthropic keys
	`sk-ant-[a-zA-Z0-9_-]{24,}`,

	// OpenAI-style keys
	`sk-[a-zA-Z0-9_-]{32,}`,

	// Google API keys
	`AIza[a-zA-Z0-9_-]{30,}`,

	// API key passed as a URL query parameter (Gemini wire format)
	`(?i)([?&]key=)[a-zA-Z0-9_-]{8,}`,

	// Authorization headers and bearer tokens
	`(?i)(bearer\s+)[a-zA-Z0-9_\-.]{16,}`,
	`(?i)(api[_-]?key[\s:=]+["']?)[a-zA-Z0-9_-]{16,}`,
}

// NewLogger builds a redacting logger. Invalid custom patterns are skipped.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
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
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NopLogger returns a logger that discards everything. Used in tests.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Level: "error", Output: io.Discard})
}

// With returns a logger carrying additional fixed attributes. Attribute
// values are redacted at attach time.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(l.redactArgs(args)...),
		redacts: l.redacts,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := l.redactArgs(args)

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}

	l.logger.Log(ctx, level, l.Redact(msg), attrs...)
}

func (l *Logger) redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = l.Redact(v)
		case error:
			if v != nil {
				out[i] = l.Redact(v.Error())
			} else {
				out[i] = v
			}
		case fmt.Stringer:
			out[i] = l.Redact(v.String())
		default:
			out[i] = arg
		}
	}
	return out
}

// Redact replaces matches of the redaction patterns with a placeholder,
// keeping any capture-group prefix (e.g. "?key=") so the log line stays
// diagnosable.
func (l *Logger) Redact(s string) string {
	for _, re := range l.redacts {
		if re.NumSubexp() > 0 {
			s = re.ReplaceAllString(s, "${1}[REDACTED]")
		} else {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
	}
	return s
}
