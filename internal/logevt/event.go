// Package logevt implements a logiface.Event backed by log/slog, so the
// scheduler's structured logging can be wired onto any slog.Handler.
package logevt

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/joeycumines/logiface"
)

// Event is a logiface.Event that accumulates slog.Attr values and sends them
// through a slog.Handler on Send. Not safe for concurrent use; each Event is
// confined to one Logger.Log call.
type Event struct {
	logiface.UnimplementedEvent

	handler slog.Handler
	level   logiface.Level
	msg     string
	err     error
	attrs   []slog.Attr
}

// New constructs a logiface.Logger[*Event] writing through handler.
// If handler is nil, the returned logger discards everything (logiface's
// own disabled-writer semantics apply, matching the teacher's NoOpLogger).
func New(handler slog.Handler, opts ...logiface.Option[*Event]) *logiface.Logger[*Event] {
	base := []logiface.Option[*Event]{
		logiface.WithEventFactory[*Event](logiface.NewEventFactoryFunc(func(level logiface.Level) *Event {
			return &Event{handler: handler, level: level}
		})),
		logiface.WithEventReleaser[*Event](logiface.NewEventReleaserFunc(func(e *Event) {
			e.msg = ""
			e.err = nil
			e.attrs = e.attrs[:0]
		})),
	}
	if handler != nil {
		base = append(base, logiface.WithWriter[*Event](logiface.NewWriterFunc(writeEvent)))
	}
	return logiface.New(append(base, opts...)...)
}

func writeEvent(e *Event) error {
	if e.handler == nil {
		return logiface.ErrDisabled
	}
	sl := toSlogLevel(e.level)
	if !e.handler.Enabled(context.Background(), sl) {
		return logiface.ErrDisabled
	}
	r := slog.NewRecord(time.Now(), sl, e.msg, 0)
	if e.err != nil {
		r.AddAttrs(slog.Any("error", e.err))
	}
	r.AddAttrs(e.attrs...)
	return e.handler.Handle(context.Background(), r)
}

func toSlogLevel(l logiface.Level) slog.Level {
	switch {
	case l <= logiface.LevelDebug && l > logiface.LevelInformational:
		return slog.LevelDebug
	case l == logiface.LevelInformational || l == logiface.LevelNotice:
		return slog.LevelInfo
	case l == logiface.LevelWarning:
		return slog.LevelWarn
	case l <= logiface.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (e *Event) Level() logiface.Level { return e.level }

func (e *Event) AddField(key string, val any) {
	e.attrs = append(e.attrs, slog.Any(key, val))
}

func (e *Event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *Event) AddError(err error) bool {
	e.err = err
	return true
}

func (e *Event) AddString(key string, val string) bool {
	e.attrs = append(e.attrs, slog.String(key, val))
	return true
}

func (e *Event) AddInt(key string, val int) bool {
	e.attrs = append(e.attrs, slog.Int(key, val))
	return true
}

func (e *Event) AddInt64(key string, val int64) bool {
	e.attrs = append(e.attrs, slog.Int64(key, val))
	return true
}

func (e *Event) AddUint64(key string, val uint64) bool {
	e.attrs = append(e.attrs, slog.Uint64(key, val))
	return true
}

func (e *Event) AddFloat32(key string, val float32) bool {
	e.attrs = append(e.attrs, slog.Float64(key, float64(val)))
	return true
}

func (e *Event) AddFloat64(key string, val float64) bool {
	e.attrs = append(e.attrs, slog.Float64(key, val))
	return true
}

func (e *Event) AddBool(key string, val bool) bool {
	e.attrs = append(e.attrs, slog.Bool(key, val))
	return true
}

func (e *Event) AddTime(key string, val time.Time) bool {
	e.attrs = append(e.attrs, slog.Time(key, val))
	return true
}

func (e *Event) AddDuration(key string, val time.Duration) bool {
	e.attrs = append(e.attrs, slog.Duration(key, val))
	return true
}

func (e *Event) AddBase64Bytes(key string, val []byte, enc *base64.Encoding) bool {
	e.attrs = append(e.attrs, slog.String(key, enc.EncodeToString(val)))
	return true
}
