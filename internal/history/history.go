// Package history exports database lifecycle events (start, stop, exit) to
// external audit stores. Sinks are write-only; nothing reads them back to
// decide whether a server is running.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit"
	EventStartFailed EventType = "start_failed"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Component  string    `json:"component"` // "managed", "native", "tunnel"
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding a connection.
type Closer interface {
	Close() error
}

// Recorder fans events out to a set of sinks. Send failures are logged, never returned.
type Recorder struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), logger: logger}
}

// Add appends sinks.
func (r *Recorder) Add(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, sinks...)
	r.mu.Unlock()
}

// Record stamps OccurredAt when unset and delivers e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "component", "history", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}

// MemorySink keeps events in memory. Used in tests and by `serve` for the
// last lifecycle events when no DSN is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	max    int
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 256
	}
	return &MemorySink{max: max}
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
	return nil
}

// Events returns a copy of the stored events, oldest first.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
