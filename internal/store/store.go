// Package store provides the shared key/value store used for rate-limit
// bookkeeping and scan progress. The store is the only cross-process
// coordination point in the service; writes are last-write-wins.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a minimal TTL key/value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key with the given TTL, overwriting any previous value.
	// A zero TTL means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
