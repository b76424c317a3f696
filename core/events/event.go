package events

import (
	"sync"

	"rewardsledger/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Renderable events expose their generic attribute form.
type Renderable interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. audit log, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// MultiEmitter fans every event out to a dynamic set of sinks in
// registration order.
type MultiEmitter struct {
	mu    sync.RWMutex
	sinks []Emitter
}

// NewMultiEmitter returns a fan-out emitter seeded with sinks. Nil sinks are
// skipped.
func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, sink := range sinks {
		m.Add(sink)
	}
	return m
}

// Add registers another sink.
func (m *MultiEmitter) Add(sink Emitter) {
	if m == nil || sink == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// Emit implements the Emitter interface.
func (m *MultiEmitter) Emit(evt Event) {
	if m == nil || evt == nil {
		return
	}
	m.mu.RLock()
	sinks := append([]Emitter(nil), m.sinks...)
	m.mu.RUnlock()
	for _, sink := range sinks {
		sink.Emit(evt)
	}
}

// Render returns the generic form of evt, or a bare typed event when evt
// does not carry attributes.
func Render(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if r, ok := evt.(Renderable); ok {
		if rendered := r.Event(); rendered != nil {
			return rendered
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
