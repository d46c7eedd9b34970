// Package cache provides a bounded in-memory cache with cost-based
// admission.
package cache

import (
	"time"

	"github.com/Yiling-J/theine-go"
)

// Cache defines an interface for a generic cache.
type Cache[K comparable, V any] interface {

	// Get returns the value for the given key in the cache, if it exists.
	Get(key K) (V, bool)

	// Set sets a value for the key in the cache, with the given cost. It
	// reports whether the entry was admitted.
	Set(key K, entry V, cost int64) bool

	// Close closes the cache, cleaning up any residual resources before
	// returning.
	Close()
}

// TheineCache is a Cache backed by a W-TinyLFU cache. Entries written with a
// non-zero TTL expire after it elapses.
type TheineCache[K comparable, V any] struct {
	client *theine.Cache[K, V]
	ttl    time.Duration
}

var _ Cache[uint64, string] = (*TheineCache[uint64, string])(nil)

// New returns a cache admitting up to maxCost total cost. A zero ttl keeps
// entries until they are evicted.
func New[K comparable, V any](maxCost int64, ttl time.Duration) (*TheineCache[K, V], error) {
	client, err := theine.NewBuilder[K, V](maxCost).Build()
	if err != nil {
		return nil, err
	}
	return &TheineCache[K, V]{client: client, ttl: ttl}, nil
}

func (c *TheineCache[K, V]) Get(key K) (V, bool) {
	return c.client.Get(key)
}

func (c *TheineCache[K, V]) Set(key K, entry V, cost int64) bool {
	if c.ttl > 0 {
		return c.client.SetWithTTL(key, entry, cost, c.ttl)
	}
	return c.client.Set(key, entry, cost)
}

func (c *TheineCache[K, V]) Close() {
	c.client.Close()
}
