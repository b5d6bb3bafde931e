package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/shaneholloman/latitude-llm/features/stream/pulse/clients/pulse"
)

// Streams shares one Pulse client between the per-run sinks handed to the
// chain manager and the subscribers that follow those runs.
type Streams struct {
	client      clientspulse.Client
	onPublished func(context.Context, PublishedEvent) error
}

// NewStreams returns a Streams helper. onPublished may be nil.
func NewStreams(client clientspulse.Client, onPublished func(context.Context, PublishedEvent) error) (*Streams, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Streams{client: client, onPublished: onPublished}, nil
}

// SinkFor returns a sink publishing the events of run uuid.
func (s *Streams) SinkFor(uuid string) (*Sink, error) {
	return NewSink(Options{Client: s.client, RunID: uuid, OnPublished: s.onPublished})
}

// NewSubscriber returns a subscriber reading through the shared client.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Destroy deletes the stream of run uuid once no consumer needs it.
func (s *Streams) Destroy(ctx context.Context, uuid string) error {
	str, err := s.client.Stream(StreamName(uuid))
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}

// Ping reports whether Redis is reachable.
func (s *Streams) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
