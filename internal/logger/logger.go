// Package logger provides the process-wide leveled logger used by qatrack.
//
// The package-level helpers take printf-style arguments and prefix their
// messages with the component that emits them ("sync:", "jira:", ...).
// Records are rendered by a log/slog handler, so the same stream can be
// consumed as text or JSON, and Slog exposes the structured logger for
// callers that attach key/value attributes (the HTTP middleware).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level.
	LevelInfo
	// LevelWarn is for recoverable problems such as a skipped record.
	LevelWarn
	// LevelError is for failed runs and requests.
	LevelError
)

// String returns the string representation of a log level.
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
	default:
		return "UNKNOWN"
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

// Format selects the slog handler used to render records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger writes leveled records to a primary output and an optional file.
type Logger struct {
	mu       sync.Mutex
	level    Level
	format   Format
	output   io.Writer
	file     *os.File
	levelVar *slog.LevelVar
	slog     *slog.Logger
}

var defaultLogger = newLogger(os.Stderr)

func newLogger(w io.Writer) *Logger {
	l := &Logger{
		level:    LevelInfo,
		format:   FormatText,
		output:   w,
		levelVar: new(slog.LevelVar),
	}
	l.rebuild()
	return l
}

// rebuild recreates the slog handler after the output, file or format changed.
// Callers must hold l.mu (or own l exclusively).
func (l *Logger) rebuild() {
	l.levelVar.Set(l.level.slogLevel())

	var w io.Writer = l.output
	if l.file != nil {
		w = io.MultiWriter(l.output, l.file)
	}

	opts := &slog.HandlerOptions{Level: l.levelVar}
	var h slog.Handler
	if l.format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l.slog = slog.New(h)
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
	defaultLogger.levelVar.Set(level.slogLevel())
}

// SetOutput sets the output writer for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
	defaultLogger.rebuild()
}

// SetFormat switches between text and JSON rendering.
func SetFormat(f Format) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if f != FormatJSON {
		f = FormatText
	}
	defaultLogger.format = f
	defaultLogger.rebuild()
}

// SetLogFile opens a log file that receives every record in addition to
// the current output.
func SetLogFile(path string) error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	defaultLogger.file = f
	defaultLogger.rebuild()
	return nil
}

// Close closes the log file if one is open.
func Close() {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
		defaultLogger.rebuild()
	}
}

// Slog returns the structured logger behind the package-level helpers.
func Slog() *slog.Logger {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.slog
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	sl := l.slog
	l.mu.Unlock()

	sl.Log(context.Background(), level.slogLevel(), fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, format, args...)
}

// ParseLevel converts a string to a Level.
// Accepts: debug, info, warn, error (case-insensitive).
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
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

// GetLevel returns the current log level of the default logger.
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}
