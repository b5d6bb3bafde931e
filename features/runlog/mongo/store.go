package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/shaneholloman/latitude-llm/features/runlog/mongo/clients/mongo"
	"github.com/shaneholloman/latitude-llm/runtime/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed chain event log using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e *runlog.Event) error {
	return s.client.Append(ctx, e)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}

// Ping reports whether the underlying database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
