// Package logger provides leveled logging for the sync engine and CLI.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	// LevelDebug logs everything, including per-entry sync decisions.
	LevelDebug Level = iota
	// LevelInfo logs cycle outcomes and lifecycle events.
	LevelInfo
	// LevelWarn logs recoverable problems (failed entries, skipped pulls).
	LevelWarn
	// LevelError logs failures that abort a cycle.
	LevelError
)

// String returns the level's name as it appears in log lines.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel converts a string to a Level (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
}

// Logger writes timestamped leveled log lines to one or more writers.
type Logger struct {
	mu    sync.Mutex
	level Level
	outs  []io.Writer
	file  *os.File
}

// New returns a logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, outs: []io.Writer{w}}
}

var std = New(os.Stderr, LevelInfo)

// SetLevel sets the minimum level for the package logger.
func SetLevel(level Level) { std.SetLevel(level) }

// SetOutput replaces the package logger's output writer.
// Primarily useful for tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetLogFile additionally mirrors the package logger's output to a file,
// appending and creating it if needed.
func SetLogFile(path string) error { return std.SetLogFile(path) }

// Close closes the package logger's log file, if one is open.
func Close() { std.Close() }

// SetLevel sets the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces the primary output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outs = append([]io.Writer{w}, l.outs[1:]...)
}

// SetLogFile mirrors output to a file in addition to the primary writer.
func (l *Logger) SetLogFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.outs = l.outs[:1]
		l.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = f
	l.outs = append(l.outs, f)
	return nil
}

// Close closes the log file, if one is open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.outs = l.outs[:1]
		l.file = nil
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("%s %s %s\n", ts, level, fmt.Sprintf(format, args...))
	for _, w := range l.outs {
		io.WriteString(w, line)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Debug logs at debug level on the package logger.
func Debug(format string, args ...interface{}) { std.log(LevelDebug, format, args...) }

// Info logs at info level on the package logger.
func Info(format string, args ...interface{}) { std.log(LevelInfo, format, args...) }

// Warn logs at warn level on the package logger.
func Warn(format string, args ...interface{}) { std.log(LevelWarn, format, args...) }

// Error logs at error level on the package logger.
func Error(format string, args ...interface{}) { std.log(LevelError, format, args...) }
