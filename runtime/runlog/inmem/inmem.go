// Package inmem provides an in-memory runlog.Store for tests and local runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/shaneholloman/latitude-llm/runtime/runlog"
)

type (
	// Store implements runlog.Store in memory. Events are copied on the way
	// in and out so callers never share state with the store.
	Store struct {
		mu   sync.Mutex
		runs map[string]*chainLog
	}

	// chainLog holds the events of one run in append order. Event IDs are
	// 1-based positions in events.
	chainLog struct {
		events   []runlog.Event
		terminal bool
	}
)

// New returns an empty store.
func New() *Store {
	return &Store{runs: make(map[string]*chainLog)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("event is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.Type == "":
		return errors.New("event type is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.runs[e.RunID]
	if !ok {
		cl = &chainLog{}
		s.runs[e.RunID] = cl
	}
	e.ID = strconv.Itoa(len(cl.events) + 1)
	cl.events = append(cl.events, clone(e))
	if e.Type.IsTerminal() {
		cl.terminal = true
	}
	return nil
}

// List implements runlog.Store. Cursors are the ID of the last event of the
// previous page.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.runs[runID]
	if !ok || start >= len(cl.events) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(cl.events))
	page := runlog.Page{Events: make([]*runlog.Event, 0, end-start)}
	for i := start; i < end; i++ {
		ev := clone(&cl.events[i])
		page.Events = append(page.Events, &ev)
	}
	if end < len(cl.events) {
		page.NextCursor = cl.events[end-1].ID
	}
	return page, nil
}

// Complete reports whether the log of runID holds a terminal event
// (chain-completed, chain-error or tools-requested).
func (s *Store) Complete(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.runs[runID]
	return ok && cl.terminal
}

func clone(e *runlog.Event) runlog.Event {
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	return out
}
