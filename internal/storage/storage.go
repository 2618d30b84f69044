package storage

import (
	"context"
	"errors"
)

// Persister is the key-value collaborator a cart snapshot is written to.
// Implementations must treat Delete of a missing key as success.
type Persister interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("storage unavailable")
)
