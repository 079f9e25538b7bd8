package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Logger provides structured logging with request correlation and sensitive
// data redaction.
//
// Built on Go's slog package:
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - JSON or human-readable text output, chosen by LogConfig.Format
//     (JSON when unset)
//   - Automatic trace correlation from context (reason_trace_id, tenant_id)
//   - Redaction of secrets (API keys, bearer tokens, JWTs)
//   - Redaction of filesystem paths that fall outside the allow-list
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info(ctx, "tool dispatched", "tool", "fs.read")
type Logger struct {
	logger   *slog.Logger
	config   LogConfig
	redacts  []*regexp.Regexp
	pathRed  *PathRedactor
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text".
	// An empty value selects JSON; the deployment profile plays no part.
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction; defaults already cover common secret shapes.
	RedactPatterns []string

	// AllowlistPrefixes, when set, enables path redaction: any absolute
	// path in a message or field that does not fall under one of these
	// canonical prefixes is replaced before the record is written.
	AllowlistPrefixes []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// ReasonTraceIDKey correlates all telemetry for one logical operation.
	ReasonTraceIDKey ContextKey = "reason_trace_id"

	// TenantIDKey is the isolation key for the invoking tenant.
	TenantIDKey ContextKey = "tenant_id"

	// StageKey is the deployment stage of the invocation.
	StageKey ContextKey = "stage"

	// ToolKey is the tool name for execution-scoped records.
	ToolKey ContextKey = "tool"
)

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["']?([a-fA-F0-9]{32,})["']?`,
}

// PathRedactor replaces absolute filesystem paths that are not under any
// allow-listed prefix. Denied-path errors routinely carry the offending
// path; the log line must not leak host layout outside the sandbox roots.
type PathRedactor struct {
	prefixes []string
	pathRE   *regexp.Regexp
}

// NewPathRedactor builds a redactor for the given canonical prefixes.
func NewPathRedactor(prefixes []string) *PathRedactor {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}
	return &PathRedactor{
		prefixes: cleaned,
		pathRE:   regexp.MustCompile(`(/[^\s"':,)\]}]+)+`),
	}
}

// Redact rewrites every absolute path outside the allow-list.
func (p *PathRedactor) Redact(s string) string {
	if p == nil || len(p.prefixes) == 0 {
		return s
	}
	return p.pathRE.ReplaceAllStringFunc(s, func(match string) string {
		cleaned := filepath.Clean(match)
		for _, prefix := range p.prefixes {
			if cleaned == prefix || strings.HasPrefix(cleaned, prefix+string(filepath.Separator)) {
				return match
			}
		}
		return "[PATH-REDACTED]"
	})
}

// NewLogger creates a structured logger with the given configuration.
//
// If config.Output is nil, logs go to os.Stdout. An empty or invalid level
// defaults to "info"; an empty format defaults to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	level := LogLevelFromString(config.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0)
	allPatterns := append(DefaultRedactPatterns, config.RedactPatterns...)
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	var pathRed *PathRedactor
	if len(config.AllowlistPrefixes) > 0 {
		pathRed = NewPathRedactor(config.AllowlistPrefixes)
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
		pathRed: pathRed,
	}
}

// Slog exposes the underlying *slog.Logger for collaborators (fsnotify
// watch loops, cobra commands) that take the standard type.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message. Errors passed as values are redacted
// the same way strings are.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redactedArgs := make([]any, len(args))
	for i, arg := range args {
		redactedArgs[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redactedArgs)+8)
	if traceID, ok := ctx.Value(ReasonTraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, "reason_trace_id", traceID)
	}
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok && tenantID != "" {
		attrs = append(attrs, "tenant_id", tenantID)
	}
	if stage, ok := ctx.Value(StageKey).(string); ok && stage != "" {
		attrs = append(attrs, "stage", stage)
	}
	if tool, ok := ctx.Value(ToolKey).(string); ok && tool != "" {
		attrs = append(attrs, "tool", tool)
	}
	attrs = append(attrs, redactedArgs...)

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		return l.redactMap(m)
	default:
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	if l.pathRed != nil {
		s = l.pathRed.Redact(s)
	}
	return s
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"apikey":        true,
		"private_key":   true,
		"privatekey":    true,
		"auth":          true,
		"authorization": true,
	}

	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = l.redactValue(v)
		}
	}
	return result
}

// WithFields returns a logger with the given fields added to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
		pathRed: l.pathRed,
	}
}

// WithFrame binds a ContextFrame's correlation fields into ctx so every
// subsequent log call on that ctx carries them.
func WithFrame(ctx context.Context, reasonTraceID, tenantID, stage string) context.Context {
	ctx = context.WithValue(ctx, ReasonTraceIDKey, reasonTraceID)
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, StageKey, stage)
}

// WithTool binds a tool name into ctx for execution-scoped records.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolKey, tool)
}

// ReasonTraceID retrieves the trace id from the context.
func ReasonTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(ReasonTraceIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level, defaulting to Info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
