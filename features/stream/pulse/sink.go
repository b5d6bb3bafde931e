// Package pulse publishes chain events to goa.design/pulse streams so that
// consumers in other processes can follow a run while it executes. Services
// build a Redis client, wrap it with clients/pulse, and attach a Sink per run
// next to the caller's own sink.
package pulse

import (
	"context"
	"errors"
	"sync"

	clientspulse "github.com/shaneholloman/latitude-llm/features/stream/pulse/clients/pulse"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

type (
	// Options configures a run sink.
	Options struct {
		// Client publishes events. Required.
		Client clientspulse.Client
		// RunID is the errorable uuid of the run. Required.
		RunID string
		// OnPublished, when set, is called after each successful publish.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an event written to a Pulse stream.
	PublishedEvent struct {
		Event    stream.Event
		StreamID string
		EntryID  string
	}

	// Sink publishes the events of one run to the stream named by
	// StreamName. Provider events carry no uuid and go to the same stream.
	// Safe for concurrent use.
	Sink struct {
		client      clientspulse.Client
		streamID    string
		onPublished func(context.Context, PublishedEvent) error

		mu     sync.Mutex
		handle clientspulse.Stream
		closed bool
	}
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("pulse: sink closed")

// StreamName returns the Pulse stream carrying the events of run uuid.
func StreamName(uuid string) string {
	return "chain/" + uuid
}

// NewSink returns a sink publishing the events of opts.RunID.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run id is required")
	}
	return &Sink{
		client:      opts.Client,
		streamID:    StreamName(opts.RunID),
		onPublished: opts.OnPublished,
	}, nil
}

// Send encodes ev with stream.Marshal and appends it under its event type.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	h, err := s.stream()
	if err != nil {
		return err
	}
	payload, err := stream.Marshal(ev)
	if err != nil {
		return err
	}
	id, err := h.Add(ctx, string(ev.Type()), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: ev, StreamID: s.streamID, EntryID: id})
	}
	return nil
}

// Close stops further publishes. The stream itself is kept so late
// subscribers can still read it.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) stream() (clientspulse.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkClosed
	}
	if s.handle == nil {
		h, err := s.client.Stream(s.streamID)
		if err != nil {
			return nil, err
		}
		s.handle = h
	}
	return s.handle, nil
}
