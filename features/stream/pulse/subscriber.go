package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/gate/features/stream/pulse/clients/pulse"
	"goa.design/gate/runtime/gate/stream"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into run events.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "gate_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// JSON envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes a run's Pulse stream and emits typed run events.
	// SSE handlers use it to tail a stream from a connection other than the
	// one that produced it.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; the rest defaults per the field documentation.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "gate_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the run's stream and returns channels
// for events and errors. The returned cancel function stops consumption and
// closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if streamID == "" {
		return nil, nil, nil, errors.New("stream id is required")
	}
	str, err := s.client.Stream(streamName(streamID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes payloads and emits run events,
// acking each one after emission. Closes both channels when ctx is canceled
// or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				// Kinds this version does not know are skipped, mirroring the
				// SSE reader, so newer producers do not break older consumers.
				if errors.Is(err, stream.ErrUnknownKind) {
					if ackErr := sink.Ack(ctx, evt); ackErr != nil {
						errs <- fmt.Errorf("pulse ack: %w", ackErr)
						return
					}
					continue
				}
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format into a typed
// run event.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Kind      string          `json:"kind"`
		StreamID  string          `json:"stream_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return stream.Decode(stream.Envelope{
		Kind:     stream.Kind(env.Kind),
		StreamID: env.StreamID,
		Payload:  env.Payload,
	})
}
