// Package mongo provides a MongoDB-backed blob store for the artifact bus.
// The Redis bus keeps headers and ordering; payload bytes land here so large
// artifacts do not bloat Redis memory.
package mongo

import (
	"context"
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"goa.design/clue/health"

	clientsmongo "goa.design/orchestra/features/artifact/mongo/clients/mongo"
	"goa.design/orchestra/runtime/artifact/blob"
)

type (
	// StoreOptions configures the blob store.
	StoreOptions struct {
		// Client is the Mongo client wrapper. Required.
		Client clientsmongo.Client
	}

	// Store implements blob.Store on MongoDB.
	Store struct {
		client clientsmongo.Client
	}
)

var _ blob.Store = (*Store)(nil)

// NewStore builds a Mongo-backed blob store.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo wires a store directly from a driver connection using
// default collection and timeout settings.
func NewStoreFromMongo(mc *mongodriver.Client, database string) (*Store, error) {
	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: database})
	if err != nil {
		return nil, fmt.Errorf("build mongo client: %w", err)
	}
	return NewStore(StoreOptions{Client: client})
}

// Put stores the payload under the key, replacing any previous version.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.client.Put(ctx, key, data)
}

// Get returns the payload stored under the key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key)
	if errors.Is(err, clientsmongo.ErrNotFound) {
		return nil, blob.ErrNotFound
	}
	return data, err
}

// Delete removes the payload. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, key)
}

// Exists reports whether a payload is stored under the key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.client.Exists(ctx, key)
}

// Pinger exposes the underlying health check for mounting on a health
// endpoint.
func (s *Store) Pinger() health.Pinger {
	return s.client
}
