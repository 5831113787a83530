package ports

import (
	"context"
	"time"
)

// CachePort is a minimal byte-cache contract. StoreSync's only consumer
// is the introspection accelerator in front of the marketplace's
// GET /venues/{id}/items call, so this is trimmed to Get/Set/Delete —
// the teacher's CachePort additionally offers tenant-scoped variants,
// multi-get/set, counters and distributed locks that nothing here needs.
type CachePort interface {
	// Get returns the cached value, or ErrCacheMiss if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with the given expiration; zero means no expiry.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	// Delete removes a key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying connection.
	Close() error
}
