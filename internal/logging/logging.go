// Package logging provides component-scoped structured logging.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger writes structured entries through slog.
type Logger struct {
	base      *slog.Logger
	level     *slog.LevelVar
	component string
	threadID  string
}

// New creates a text Logger writing to stderr at INFO.
func New() *Logger {
	return NewWithOptions(os.Stderr, "text", LevelInfo)
}

// NewWithOptions creates a Logger with the given output, format (text|json) and level.
func NewWithOptions(w io.Writer, format string, level Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{base: slog.New(h), level: lv}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWithOptions(io.Discard, "text", LevelError)
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// WithThread returns a new logger tagging every entry with a thread id.
func (l *Logger) WithThread(threadID string) *Logger {
	c := *l
	c.threadID = threadID
	return &c
}

// SetLevel sets the minimum log level for this logger and everything derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(slog.LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(slog.LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(slog.LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(slog.LevelError, msg, fields...)
}

func (l *Logger) log(level slog.Level, msg string, fields ...map[string]interface{}) {
	ctx := context.Background()
	if !l.base.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 4)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.threadID != "" {
		attrs = append(attrs, slog.String("thread", l.threadID))
	}
	if len(fields) > 0 && fields[0] != nil {
		// stable key order keeps text output diffable
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, slog.Any(k, fields[0][k]))
		}
	}
	l.base.LogAttrs(ctx, level, msg, attrs...)
}

// ToolCall logs a tool invocation.
func (l *Logger) ToolCall(tool, callID string) {
	// Don't log args to avoid PII - just log tool name
	l.Info("tool_call", map[string]interface{}{
		"tool":    tool,
		"call_id": callID,
	})
}

// ToolResult logs a tool result.
func (l *Logger) ToolResult(tool string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("tool_error", fields)
	} else {
		l.Debug("tool_result", fields)
	}
}

// TransitionEntered logs an execution phase change.
func (l *Logger) TransitionEntered(from, to string, step int) {
	l.Debug("transition", map[string]interface{}{
		"from": from,
		"to":   to,
		"step": step,
	})
}

// ApprovalDecision logs the outcome of a gated call.
func (l *Logger) ApprovalDecision(tool, action, source string) {
	l.Info("approval_decision", map[string]interface{}{
		"tool":   tool,
		"action": action,
		"source": source,
	})
}

// CheckpointSaved logs when a checkpoint is saved.
func (l *Logger) CheckpointSaved(threadID string, revision int64, phase string) {
	l.Debug("checkpoint_saved", map[string]interface{}{
		"thread_id": threadID,
		"revision":  revision,
		"phase":     phase,
	})
}
