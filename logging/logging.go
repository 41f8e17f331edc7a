// Package logging provides the levelled console logger used by kvbeat.
// Lines look like: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/kvbeat/errors"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name into a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", errors.InvalidInput(fmt.Sprintf("unknown log level %q", s))
	}
	return level, nil
}

// Logger writes levelled log lines. Derived loggers share the parent's
// writer lock so lines from different components never interleave.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	monitorID string
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithMonitor returns a new logger that tags every line with a monitor id.
func (l *Logger) WithMonitor(monitorID string) *Logger {
	c := l.clone()
	c.monitorID = monitorID
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]any) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	merged := make(map[string]any)
	if l.monitorID != "" {
		merged["monitor"] = l.monitorID
	}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, formatFields(merged))
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, formatFields(merged))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Heartbeat event helpers ---

// MonitorStarted logs a monitor being armed on a connection.
func (l *Logger) MonitorStarted(interval, timeout time.Duration) {
	l.Info("monitor_started", map[string]any{
		"interval": interval.String(),
		"timeout":  timeout.String(),
	})
}

// RoundSucceeded logs a pong that arrived in time.
func (l *Logger) RoundSucceeded(round uint64, rtt time.Duration) {
	l.Debug("round_ok", map[string]any{
		"round": round,
		"rtt":   rtt.String(),
	})
}

// PingFailed logs a ping that returned an error. The round stays open.
func (l *Logger) PingFailed(round uint64, err error) {
	l.Warn("ping_failed", map[string]any{
		"round": round,
		"error": err.Error(),
	})
}

// HeartbeatTimeout logs a connection declared dead.
func (l *Logger) HeartbeatTimeout(round uint64, timeout time.Duration) {
	l.Error("heartbeat_timeout", map[string]any{
		"round":   round,
		"timeout": timeout.String(),
		"code":    errors.ErrCodeHeartbeatTimeout,
	})
}

// MonitorStopped logs a monitor reaching its terminal state.
func (l *Logger) MonitorStopped(reason string) {
	l.Info("monitor_stopped", map[string]any{
		"reason": reason,
	})
}
