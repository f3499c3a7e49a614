package fiberloop

import (
	"log/slog"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-fiberloop/internal/faultrate"
	"github.com/joeycumines/go-fiberloop/internal/logevt"
)

// globalLogger mirrors the teacher's package-level logging configuration: a
// single mutable sink shared by every Scheduler/IOManager that doesn't
// provide its own via Config.Logger.
var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[*logevt.Event]
}

// SetLogger sets the package-wide default logger, used by any Scheduler or
// IOManager constructed without an explicit Config.Logger.
func SetLogger(logger *logiface.Logger[*logevt.Event]) {
	globalLogger.Lock()
	globalLogger.logger = logger
	globalLogger.Unlock()
}

func defaultLogger() *logiface.Logger[*logevt.Event] {
	globalLogger.RLock()
	l := globalLogger.logger
	globalLogger.RUnlock()
	if l != nil {
		return l
	}
	return NewSlogLogger(slog.Default().Handler())
}

// NewSlogLogger builds a logger that writes through an arbitrary slog.Handler.
func NewSlogLogger(handler slog.Handler) *logiface.Logger[*logevt.Event] {
	return logevt.New(handler)
}

// NewDiscardLogger builds a logger that discards everything, matching the
// teacher's NoOpLogger.
func NewDiscardLogger() *logiface.Logger[*logevt.Event] {
	return logevt.New(nil)
}

// faultLimiter is shared across Scheduler/IOManager instances that don't
// configure their own; it exists purely to prevent log storms and carries no
// functional state relevant to scheduling.
var faultLimiter = faultrate.New()

// loggerHandle adapts logiface's chained Builder API to simple leveled
// calls with a fixed "scheduler" field, for the handful of call sites in
// scheduler.go/iomanager.go that just want to log a message with
// a few key/value pairs.
type loggerHandle struct {
	l    *logiface.Logger[*logevt.Event]
	name string
}

func newLoggerHandle(l *logiface.Logger[*logevt.Event], name string) *loggerHandle {
	if l == nil {
		l = defaultLogger()
	}
	return &loggerHandle{l: l, name: name}
}

func (h *loggerHandle) emit(b *logiface.Builder[*logevt.Event], msg string, kv []any) {
	if h.name != "" {
		b = b.Str("scheduler", h.name)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		b = b.Any(key, kv[i+1])
	}
	b.Log(msg)
}

// Error logs at error level with alternating key/value pairs.
func (h *loggerHandle) Error(msg string, kv ...any) { h.emit(h.l.Err(), msg, kv) }

// Warn logs at warning level with alternating key/value pairs.
func (h *loggerHandle) Warn(msg string, kv ...any) { h.emit(h.l.Warning(), msg, kv) }

// Info logs at informational level with alternating key/value pairs.
func (h *loggerHandle) Info(msg string, kv ...any) { h.emit(h.l.Info(), msg, kv) }

// Debug logs at debug level with alternating key/value pairs.
func (h *loggerHandle) Debug(msg string, kv ...any) { h.emit(h.l.Debug(), msg, kv) }
