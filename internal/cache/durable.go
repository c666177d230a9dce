package cache

import (
	"context"
	"errors"
)

// Durable defines the persistent tier contract: an opaque string key-value
// device. The tiered Store does its own serialization on top of it.
// Implementations must be safe for concurrent use by multiple goroutines.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

var ErrNotFound = errors.New("cache: not found")
