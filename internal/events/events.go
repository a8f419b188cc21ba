// Package events carries execution progress out of the graph.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of event.
type Kind string

const (
	KindTransition       Kind = "transition"
	KindAssistantText    Kind = "assistant_text"
	KindToolStart        Kind = "tool_start"
	KindToolEnd          Kind = "tool_end"
	KindApprovalRequired Kind = "approval_required"
	KindApprovalDecided  Kind = "approval_decided"
	KindCheckpoint       Kind = "checkpoint"
	KindTerminal         Kind = "terminal"
	KindError            Kind = "error"
)

// Event is one observable step of a thread.
type Event struct {
	Kind     Kind                   `json:"kind"`
	ThreadID string                 `json:"thread_id"`
	Step     int64                  `json:"step"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit forwards to every non-nil sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Emitter buffers events on a channel for a single consumer.
type Emitter struct {
	ch      chan Event
	closed  bool
	dropped int
	mu      sync.Mutex
}

// NewEmitter creates an Emitter with a buffered channel.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{ch: make(chan Event, bufferSize)}
}

// Emit enqueues an event, dropping it when the buffer is full or the emitter closed.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

// Events returns the read-only event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes the channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
