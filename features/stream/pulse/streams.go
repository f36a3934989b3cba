package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/gate/features/stream/pulse/clients/pulse"
	"goa.design/gate/runtime/gate/stream"
)

// RunStreams wires one Pulse client into both halves of the event plane: a
// publishing sink handed to the runner and subscribers that tail the same
// streams for SSE fan-out. Sharing the client keeps publish and consume on
// the same Redis connection pool.
type RunStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RunStreamsOptions configures the helper returned by NewRunStreams.
type RunStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink. Leave
	// zero-valued for defaults.
	Sink Options
}

// NewRunStreams constructs helpers for publishing run events to Pulse and
// subscribing to the resulting streams.
func NewRunStreams(opts RunStreamsOptions) (*RunStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RunStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink.
func (r *RunStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client.
func (r *RunStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call during service shutdown after
// all subscribers have been canceled.
func (r *RunStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
