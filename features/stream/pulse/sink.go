// Package pulse publishes run events to goa.design/pulse streams so that a
// run's event stream survives the HTTP connection that started it. Each run
// gets its own stream named gate/<streamID>; resumed connections replay or
// tail the same stream through a Subscriber.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/gate/features/stream/pulse/clients/pulse"
	"goa.design/gate/runtime/gate/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamName derives the target Pulse stream from an event.
		// Defaults to gate/<streamID>.
		StreamName func(stream.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization. Intended for
		// tests.
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes run events into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamName      func(stream.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
	}

	// envelope wraps run events for transmission over Pulse streams.
	envelope struct {
		// Kind identifies the event kind (e.g. "content", "tool_result").
		Kind string `json:"kind"`
		// StreamID links the event to its run.
		StreamID string `json:"stream_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamName and MarshalEnvelope default to the built-ins.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamName:      defaultStreamName,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamName != nil {
		cfg.streamName = opts.StreamName
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the run's Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	name, err := s.opts.streamName(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Kind:      string(event.Kind()),
		StreamID:  event.StreamID(),
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Kind, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Destroy deletes the run's Pulse stream. Called after a session ends and
// its retention window has passed.
func (s *Sink) Destroy(ctx context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	handle, err := s.client.Stream(streamName(streamID))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

func streamName(streamID string) string {
	return fmt.Sprintf("gate/%s", streamID)
}

func defaultStreamName(event stream.Event) (string, error) {
	if event.StreamID() == "" {
		return "", errors.New("event missing stream id")
	}
	return streamName(event.StreamID()), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
