// Package runlog provides a durable, append-only log of chain events.
//
// Chain runs attach a Sink that appends every event they emit. The log is
// keyed by the run's errorable uuid and is the source for replaying a run
// after the fact (rebuilding its ledger or re-streaming it to a client).
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

type (
	// Event is a single immutable chain event appended to the log.
	Event struct {
		// ID is the store-assigned opaque identifier, ordered within a run.
		ID string
		// RunID is the errorable uuid of the run.
		RunID string
		// Category is the stream category of the event.
		Category stream.Category
		// Type is the event type.
		Type stream.EventType
		// Payload is the wire encoding produced by stream.Marshal.
		Payload json.RawMessage
		// Timestamp is the append time.
		Timestamp time.Time
	}

	// Page is a forward page of run events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor fetches the next page. Empty when there are no more
		// events.
		NextCursor string
	}

	// Store is an append-only event store. Implementations provide stable
	// ordering within a run; cursors are opaque to callers.
	Store interface {
		// Append persists the event and assigns its ID.
		Append(ctx context.Context, e *Event) error
		// List returns the next forward page of events for runID. Limit must
		// be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Sink appends chain events to a Store.
	Sink struct {
		store  Store
		runID  string
		now    func() time.Time
		mu     sync.Mutex
		closed bool
	}
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("runlog: sink closed")

// NewSink returns a stream.Sink appending the events of run runID to store.
// Provider events carry no uuid and are recorded under runID too.
func NewSink(store Store, runID string) *Sink {
	return &Sink{store: store, runID: runID, now: time.Now}
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSinkClosed
	}
	payload, err := stream.Marshal(ev)
	if err != nil {
		return err
	}
	return s.store.Append(ctx, &Event{
		RunID:     s.runID,
		Category:  ev.Category(),
		Type:      ev.Type(),
		Payload:   payload,
		Timestamp: s.now().UTC(),
	})
}

// Close implements stream.Sink.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Replay reads every event of runID in order and decodes it.
func Replay(ctx context.Context, store Store, runID string, pageSize int) ([]stream.Event, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var (
		out    []stream.Event
		cursor string
	)
	for {
		page, err := store.List(ctx, runID, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("runlog: list %s: %w", runID, err)
		}
		for _, e := range page.Events {
			ev, err := stream.Unmarshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("runlog: decode event %s: %w", e.ID, err)
			}
			out = append(out, ev)
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
