package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/shaneholloman/latitude-llm/features/stream/pulse/clients/pulse"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes events. Required.
		Client clientspulse.Client
		// SinkName names the Pulse consumer group. Defaults to
		// "chain_subscriber".
		SinkName string
		// Buffer is the capacity of the event channel. Defaults to 64.
		Buffer int
	}

	// Subscriber follows run streams and decodes their entries back into
	// chain events.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "chain_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the stream of run uuid. Events are
// delivered in stream order; the channels close after a terminal event, when
// the stream ends, on the first decode or ack error, or once cancel is
// called.
func (s *Subscriber) Subscribe(ctx context.Context, uuid string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(uuid))
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
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			ev, err := stream.Unmarshal(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode %s: %w", entry.ID, err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
			if ev.Category() == stream.CategoryLatitude && ev.Type().IsTerminal() {
				return
			}
		}
	}
}
