// Package events builds engine events and fans them out to sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/google/uuid"
)

// New stamps an event with a fresh id and the current UTC time.
func New(kind domain.EventKind, attrs map[string]string) domain.Event {
	return domain.Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		At:    time.Now().UTC(),
		Attrs: attrs,
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Emit appends ev.
func (r *Recorder) Emit(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind, oldest first.
func (r *Recorder) OfKind(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// ListBefore returns the events stamped strictly before the cutoff, which
// makes a Recorder usable as the in-memory event journal.
func (r *Recorder) ListBefore(_ context.Context, before time.Time) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.At.Before(before) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	return &LogSink{
		logger: logger.With(slog.String("component", "events")),
		level:  level,
	}
}

// Emit logs ev.
func (s *LogSink) Emit(ctx context.Context, ev domain.Event) error {
	attrs := make([]slog.Attr, 0, len(ev.Attrs)+2)
	attrs = append(attrs, slog.String("event_id", ev.ID), slog.Time("at", ev.At))
	for k, v := range ev.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.LogAttrs(ctx, s.level, string(ev.Kind), attrs...)
	return nil
}

// Fanout delivers every event to each sink in order. Every sink sees the
// event even if an earlier one fails; the failures are joined.
type Fanout []domain.EventSink

// Emit forwards ev to each sink.
func (f Fanout) Emit(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Emit does nothing.
func (Discard) Emit(context.Context, domain.Event) error { return nil }

// Publish emits evs to sink in order, logging failures. Events describe
// state that has already committed, so a sink failure never fails the
// operation that produced them.
func Publish(ctx context.Context, sink domain.EventSink, logger *slog.Logger, evs ...domain.Event) {
	if sink == nil {
		return
	}
	for _, ev := range evs {
		if err := sink.Emit(ctx, ev); err != nil {
			logger.Warn("event delivery failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
