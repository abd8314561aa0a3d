package db

import (
	"context"

	"github.com/pkg/errors"
)

// ErrKeyNotFound reports an absent key. Backends return it unwrapped at
// the chain root so callers can branch with errors.Is.
var ErrKeyNotFound = errors.New("key not found")

// Store is the durable object store everything above writes through.
// Each call is independently atomic; there are no cross-key transactions.
// Get returns a copy the caller may retain and mutate. Delete of a
// missing key is not an error. List returns the stored keys under prefix
// in no particular order.
type Store interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
