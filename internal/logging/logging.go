// Package logging provides the engine's structured logging sink: a
// rotated log file via lumberjack, the way the teacher repo rotates its
// own operational logs, plus leveled helpers gated by an environment
// variable the way the teacher's internal/debug package gates debug output.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level orders the engine's log verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// Logger wraps the standard library logger with a rotating file sink.
type Logger struct {
	mu       sync.Mutex
	std      *log.Logger
	minLevel Level
}

// Options configures New.
type Options struct {
	Path       string // log file path; empty disables file rotation (stderr only)
	MaxSizeMB  int    // per-file cap before rotation
	MaxBackups int
	MaxAgeDays int
	MinLevel   Level
}

// DefaultOptions mirrors the teacher's rotation discipline: keep a bounded
// set of reasonably sized files rather than one unbounded log.
func DefaultOptions(path string) Options {
	return Options{
		Path:       path,
		MaxSizeMB:  50,
		MaxBackups: 10,
		MaxAgeDays: 30,
		MinLevel:   LevelInfo,
	}
}

// New builds a Logger. If opts.Path is empty, output goes to stderr only.
func New(opts Options) *Logger {
	var out *lumberjack.Logger
	if opts.Path != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
	}
	var std *log.Logger
	if out != nil {
		std = log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	} else {
		std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return &Logger{std: std, minLevel: opts.MinLevel}
}

// DebugEnabled mirrors the teacher's ATLAS_DEBUG / BD_DEBUG style gate.
func DebugEnabled() bool {
	v := os.Getenv("ATLAS_DEBUG")
	return v != "" && v != "0" && v != "false"
}

func (l *Logger) log(level Level, operation, msg string, fields map[string]any) {
	if level < l.minLevel && !(level == LevelDebug && DebugEnabled()) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Printf("[%s] %s: %s %s", level, operation, msg, formatFields(fields))
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", fields)
}

func (l *Logger) Debug(operation, msg string, fields map[string]any) { l.log(LevelDebug, operation, msg, fields) }
func (l *Logger) Info(operation, msg string, fields map[string]any)  { l.log(LevelInfo, operation, msg, fields) }
func (l *Logger) Warn(operation, msg string, fields map[string]any)  { l.log(LevelWarn, operation, msg, fields) }
func (l *Logger) Error(operation, msg string, fields map[string]any) { l.log(LevelError, operation, msg, fields) }

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0), minLevel: LevelError + 1}
}
