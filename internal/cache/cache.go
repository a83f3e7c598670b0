// Package cache provides the byte cache used in front of hot-path store
// reads, with in-memory and Redis backends.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on cache miss.
var ErrNotFound = errors.New("cache: not found")

// Cache is a TTL byte cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
