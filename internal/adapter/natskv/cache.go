// Package natskv adapts a JetStream key-value bucket to the cache port.
// It is the shared tier of the run-status cache: every instance sees
// writes from every other, and entry expiry is enforced by the bucket's
// TTL configuration rather than per key.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache exposes one JetStream key-value bucket through the cache port.
type Cache struct {
	kv jetstream.KeyValue
}

// New wraps the given bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get returns the cached value for key. Missing and deleted keys are a
// miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Value(), true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
}

// Set stores the value under key. The ttl argument is ignored: the bucket
// applies its own TTL to every entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
