// Package inmem provides an in-memory providerlog.Store.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
)

// Store implements providerlog.Store in memory.
type Store struct {
	mu     sync.RWMutex
	byUUID map[string]*providerlog.ProviderLog
	order  []string
}

// New returns an empty store.
func New() *Store {
	return &Store{byUUID: make(map[string]*providerlog.ProviderLog)}
}

// Create implements providerlog.Store.
func (s *Store) Create(_ context.Context, log *providerlog.ProviderLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUUID[log.UUID]; ok {
		return fmt.Errorf("providerlog: duplicate uuid %q", log.UUID)
	}
	cp := *log
	s.byUUID[log.UUID] = &cp
	s.order = append(s.order, log.UUID)
	return nil
}

// Get implements providerlog.Store.
func (s *Store) Get(_ context.Context, uuid string) (*providerlog.ProviderLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.byUUID[uuid]
	if !ok {
		return nil, providerlog.ErrNotFound
	}
	cp := *log
	return &cp, nil
}

// ListByDocumentLog implements providerlog.Store.
func (s *Store) ListByDocumentLog(_ context.Context, documentLogUUID string) ([]*providerlog.ProviderLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*providerlog.ProviderLog
	for _, id := range s.order {
		if log := s.byUUID[id]; log.DocumentLogUUID == documentLogUUID {
			cp := *log
			out = append(out, &cp)
		}
	}
	return out, nil
}
