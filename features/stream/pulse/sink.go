// Package pulse exposes a search.Sink implementation that publishes search
// progress events to goa.design/pulse streams, plus a subscriber that reads
// them back. Services build a Redis client, pass it to the Pulse client, and
// hand the resulting sink to the search service so remote consumers can
// follow a request's thinking/searching/done timeline live.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/airweave/airweave-go/features/stream/pulse/clients/pulse"
	"github.com/airweave/airweave-go/runtime/search"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to `search/<RequestID>`.
		StreamID func(search.Event) (string, error)
	}

	// Sink publishes search events into Pulse streams. Thread-safe for
	// concurrent Emit calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(search.Event) (string, error)
	}

	// envelope wraps search events for transmission over Pulse streams.
	envelope struct {
		// Kind identifies the event type (thinking, searching, done, error).
		Kind string `json:"kind"`
		// RequestID links the event to one search invocation.
		RequestID string `json:"request_id"`
		// CollectionID identifies the searched collection.
		CollectionID string `json:"collection_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the full event for consumers that need it.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed search event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Emit publishes the event to the derived Pulse stream.
func (s *Sink) Emit(ctx context.Context, event search.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal search event: %w", err)
	}
	env := envelope{
		Kind:         string(event.Kind),
		RequestID:    event.RequestID,
		CollectionID: event.CollectionID.String(),
		Timestamp:    event.Timestamp,
		Payload:      payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if _, err := handle.Add(ctx, env.Kind, data); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's request id.
func defaultStreamID(event search.Event) (string, error) {
	if event.RequestID == "" {
		return "", errors.New("search event missing request id")
	}
	return fmt.Sprintf("search/%s", event.RequestID), nil
}
