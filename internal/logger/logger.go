package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar) // Info by default
	out     = io.Writer(os.Stdout)
	base    = newLogger(out, false)
	debugOn atomic.Bool
)

func newLogger(w io.Writer, debug bool) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // file/line only in debug mode
	})
	return slog.New(handler)
}

// SetDebug toggles debug level logging.
func SetDebug(enabled bool) {
	debugOn.Store(enabled)
	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	mu.Lock()
	base = newLogger(out, enabled)
	mu.Unlock()
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return debugOn.Load()
}

// SetOutput redirects log output. Used by tests to silence or capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	base = newLogger(w, debugOn.Load())
	mu.Unlock()
}

// Slog returns the underlying structured logger for key/value logging.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// logf must be called directly from the exported helpers: the source PC is
// taken three frames up, at the helper's caller.
func logf(lvl slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	l := Slog()
	if !l.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // Callers, logf, helper
	r := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), pcs[0])
	_ = l.Handler().Handle(ctx, r)
}

func Debug(format string, args ...interface{}) { logf(slog.LevelDebug, format, args...) }

func Info(format string, args ...interface{}) { logf(slog.LevelInfo, format, args...) }

func Warn(format string, args ...interface{}) { logf(slog.LevelWarn, format, args...) }

func Error(format string, args ...interface{}) { logf(slog.LevelError, format, args...) }

// Fatal logs at error level and exits the process.
func Fatal(format string, args ...interface{}) {
	logf(slog.LevelError, format, args...)
	os.Exit(1)
}
