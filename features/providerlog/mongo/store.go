// Package mongo persists provider logs in MongoDB. Build the client with
// clients/mongo and pass it to NewStore to obtain a providerlog.Store for the
// step runner.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/shaneholloman/latitude-llm/features/providerlog/mongo/clients/mongo"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
)

// Store implements providerlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ providerlog.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create persists log.
func (s *Store) Create(ctx context.Context, log *providerlog.ProviderLog) error {
	return s.client.Create(ctx, log)
}

// Get returns the log with the given uuid.
func (s *Store) Get(ctx context.Context, uuid string) (*providerlog.ProviderLog, error) {
	return s.client.Get(ctx, uuid)
}

// ListByDocumentLog returns the logs of one errorable in creation order.
func (s *Store) ListByDocumentLog(ctx context.Context, documentLogUUID string) ([]*providerlog.ProviderLog, error) {
	return s.client.ListByDocumentLog(ctx, documentLogUUID)
}
