// Package keys computes stable uint64 cache keys for placement lookups.
package keys

import (
	"github.com/cespare/xxhash/v2"
)

// cacheKeyHasher folds strings and raw bytes into a Hash64 sum so equal
// inputs always yield the same cache key.
type cacheKeyHasher struct {
	hasher *xxhash.Digest
}

// NewCacheKeyHasher returns a hasher over the provided digest.
func NewCacheKeyHasher(xhash *xxhash.Digest) *cacheKeyHasher {
	return &cacheKeyHasher{hasher: xhash}
}

// WriteString writes the provided string to the hash.
func (c *cacheKeyHasher) WriteString(value string) error {
	// WriteString always returns nil error
	_, _ = c.hasher.WriteString(value)

	return nil
}

// WriteBytes writes the provided bytes to the hash.
func (c *cacheKeyHasher) WriteBytes(value []byte) error {
	// Write always returns nil error
	_, _ = c.hasher.Write(value)

	return nil
}

// Key returns the stableKey that this key hash defines.
func (c cacheKeyHasher) Key() stableKey {
	return stableKey{sum: c.hasher.Sum64()}
}

type stableKey struct {
	sum uint64
}

// ToUInt64 returns the cache key in the form of a stable uint64 value.
func (key stableKey) ToUInt64() uint64 {
	return key.sum
}
