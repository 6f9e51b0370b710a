// Package log provides structured logging for the runnerhub daemon and its
// subsystems. It wraps log/slog with a package/function-tagged Logger so
// every log line can be traced back to the component that emitted it
// without manually repeating that context at every call site.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	base    *slog.Logger
	handler slog.Handler
)

func init() {
	Init(os.Stderr, slog.LevelInfo, false)
}

// Init (re)configures the global logger. jsonOutput selects the plain JSON
// slog handler (suited for log aggregation); otherwise the colorized
// console handler is used.
func Init(w io.Writer, level slog.Level, jsonOutput bool) {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewConsoleHandler(w, opts)
	}
	base = slog.New(handler)
	currentWriter = w
	currentJSON = jsonOutput
}

// SetLevel adjusts the minimum emitted level without rebuilding the handler
// destination.
func SetLevel(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	mu.RLock()
	w := currentWriter
	mu.RUnlock()
	Init(w, l, currentJSON)
	return nil
}

// currentWriter/currentJSON remember the last Init() params so SetLevel can
// rebuild the handler in place; set by Init itself.
var (
	currentWriter io.Writer = os.Stderr
	currentJSON   bool
)

// Logger is a slog.Logger restricted to the methods call sites use, keeping
// the package/func tagging attached to every record it emits.
type Logger struct {
	l *slog.Logger
}

// WithFunc tags subsequent log records with the originating package and
// function name, e.g. log.WithFunc("queue", "Reserve").
func WithFunc(pack, fn string) *Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return &Logger{l: l.With("pack", pack, "func", fn)}
}

// With attaches additional key/value pairs to the logger, returning a new
// Logger so call sites can build up context incrementally.
func (lg *Logger) With(args ...any) *Logger {
	return &Logger{l: lg.l.With(args...)}
}

func (lg *Logger) Debug(msg string, args ...any) { lg.l.Debug(msg, args...) }
func (lg *Logger) Info(msg string, args ...any)  { lg.l.Info(msg, args...) }
func (lg *Logger) Warn(msg string, args ...any)  { lg.l.Warn(msg, args...) }

// Error logs at error level and returns a plain error carrying msg, so
// callers can `return logger.Error("...", "err", err)` in one line.
func (lg *Logger) Error(msg string, args ...any) error {
	lg.l.Error(msg, args...)
	return fmt.Errorf("%s", msg)
}

// Debug/Info/Warn/Error are also available as package-level helpers that log
// with no pack/func tagging, for use before a Logger has been built.
func Debug(msg string, args ...any) { pkgLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { pkgLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { pkgLogger().Warn(msg, args...) }
func Error(msg string, args ...any) error {
	return pkgLogger().Error(msg, args...)
}

func pkgLogger() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &Logger{l: base}
}
