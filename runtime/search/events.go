package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the search event union.
type EventKind string

const (
	// EventThinking carries planner/judge reasoning as it becomes available.
	EventThinking EventKind = "thinking"
	// EventSearching reports one executed query with timing.
	EventSearching EventKind = "searching"
	// EventDone carries the final answer.
	EventDone EventKind = "done"
	// EventError reports a terminal failure.
	EventError EventKind = "error"
)

type (
	// Event is one entry of the streamed search progress feed.
	Event struct {
		Kind         EventKind `json:"kind"`
		RequestID    string    `json:"request_id"`
		CollectionID uuid.UUID `json:"collection_id"`
		Timestamp    time.Time `json:"timestamp"`
		// Iteration is 1-based; zero for events outside the loop.
		Iteration int `json:"iteration,omitempty"`

		Thinking    string  `json:"thinking,omitempty"`
		Plan        *Plan   `json:"plan,omitempty"`
		DurationMS  int64   `json:"duration_ms,omitempty"`
		ResultCount int     `json:"result_count,omitempty"`
		Answer      *Answer `json:"answer,omitempty"`
		Error       string  `json:"error,omitempty"`
	}

	// Sink receives search events. Implementations must be fast or buffer;
	// the loop does not run emission concurrently.
	Sink interface {
		Emit(ctx context.Context, e Event) error
	}

	// ChannelSink forwards events to a channel, dropping when the receiver
	// lags so a slow client cannot stall the loop.
	ChannelSink struct {
		C chan Event
	}

	// NopSink discards events.
	NopSink struct{}
)

// NewChannelSink builds a buffered channel sink.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan Event, buffer)}
}

// Emit forwards the event, dropping on a full buffer.
func (s *ChannelSink) Emit(_ context.Context, e Event) error {
	select {
	case s.C <- e:
	default:
	}
	return nil
}

// Close closes the event channel. Call after Search returns.
func (s *ChannelSink) Close() { close(s.C) }

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) error { return nil }
