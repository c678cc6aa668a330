// Package events carries job lifecycle notifications from the worker pool to
// observability collaborators. Sinks must not block for long: they run on
// the worker slot that produced the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"reliable-queue/internal/job"
)

// Kind names a lifecycle event.
type Kind string

const (
	Leased           Kind = "leased"
	Completed        Kind = "completed"
	Failed           Kind = "failed"
	DeadLettered     Kind = "dead_lettered"
	StoreUnavailable Kind = "store_unavailable"
)

// Event is one lifecycle notification.
type Event struct {
	Kind     Kind          `json:"kind"`
	Topic    string        `json:"topic"`
	JobID    string        `json:"job_id,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Error    string        `json:"error,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
	Envelope *job.Envelope `json:"envelope,omitempty"`
}

// Sink consumes events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multi(out)
}

type multi []Sink

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Emit(ctx context.Context, ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("topic", ev.Topic),
		slog.String("job_id", ev.JobID),
		slog.Int("attempt", ev.Attempt),
	}
	if ev.Delay > 0 {
		attrs = append(attrs, slog.Duration("retry_in", ev.Delay))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("took", ev.Duration))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	level := slog.LevelInfo
	switch ev.Kind {
	case Leased:
		level = slog.LevelDebug
	case Failed, StoreUnavailable:
		level = slog.LevelWarn
	case DeadLettered:
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "job "+string(ev.Kind), attrs...)
}

// Recorder keeps every event in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
