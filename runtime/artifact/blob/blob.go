// Package blob defines the payload storage driver behind the artifact bus.
// Drivers store opaque bytes under opaque keys; the bus owns naming,
// compression and indexing.
package blob

import (
	"context"
	"errors"
)

// Store persists artifact payload bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotFound is returned by Get for keys that were never written or were
// deleted.
var ErrNotFound = errors.New("blob not found")
