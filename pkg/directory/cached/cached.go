// Package cached decorates a placement directory with a bounded lookup
// cache so hot keys do not hammer the backing store.
package cached

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/keys"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/cache"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/logger"
)

const (
	defaultMaxEntries = 8192
	defaultTTL        = 1 * time.Minute
)

var (
	locatorLookupsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "directory_locator_lookups_total",
		Help:      "The total number of partition lookups, by cache outcome.",
	}, []string{"outcome"})

	deduplicatedLookupsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "directory_deduplicated_lookups_total",
		Help:      "The total number of directory lookups that were deduplicated in flight.",
	})
)

// CachedDirectory wraps a Directory with caches for partition and peer
// lookups. Concurrent misses for the same key are collapsed into a single
// call against the delegate.
type CachedDirectory struct {
	delegate directory.Directory
	locators cache.Cache[uint64, directory.PartitionLocator]
	peers    cache.Cache[types.NodeID, directory.PeerInfo]
	group    singleflight.Group
	logger   logger.Logger

	maxEntries int64
	ttl        time.Duration
}

var _ directory.Directory = (*CachedDirectory)(nil)

// CachedDirectoryOpt defines an option that can be used to change the
// behavior of a CachedDirectory instance.
type CachedDirectoryOpt func(*CachedDirectory)

// WithLogger sets the logger for the cached directory.
func WithLogger(logger logger.Logger) CachedDirectoryOpt {
	return func(c *CachedDirectory) {
		c.logger = logger
	}
}

// WithMaxEntries bounds the number of cached lookups.
func WithMaxEntries(n int64) CachedDirectoryOpt {
	return func(c *CachedDirectory) {
		c.maxEntries = n
	}
}

// WithTTL bounds how long a cached lookup may be served before the delegate
// is consulted again.
func WithTTL(ttl time.Duration) CachedDirectoryOpt {
	return func(c *CachedDirectory) {
		c.ttl = ttl
	}
}

// New returns a caching wrapper around delegate.
func New(delegate directory.Directory, opts ...CachedDirectoryOpt) (*CachedDirectory, error) {
	c := &CachedDirectory{
		delegate:   delegate,
		logger:     logger.NewNoopLogger(),
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	locators, err := cache.New[uint64, directory.PartitionLocator](c.maxEntries, c.ttl)
	if err != nil {
		return nil, err
	}
	peers, err := cache.New[types.NodeID, directory.PeerInfo](c.maxEntries, c.ttl)
	if err != nil {
		locators.Close()
		return nil, err
	}

	c.locators = locators
	c.peers = peers
	return c, nil
}

func (c *CachedDirectory) Locate(ctx context.Context, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	hasher := keys.NewCacheKeyHasher(xxhash.New())
	if err := keys.NewLocateKeyHasher(string(keyOrder), key).Append(hasher); err != nil {
		return directory.PartitionLocator{}, err
	}
	cacheKey := hasher.Key().ToUInt64()

	// A cached locator must still cover the probe: this rejects both hash
	// collisions and entries from a superseded layout.
	if locator, ok := c.locators.Get(cacheKey); ok && locator.Covers(keyOrder, key) {
		locatorLookupsCounter.WithLabelValues("hit").Inc()
		return locator, nil
	}
	locatorLookupsCounter.WithLabelValues("miss").Inc()

	resp, err, shared := c.group.Do("l/"+strconv.FormatUint(cacheKey, 16), func() (interface{}, error) {
		locator, err := c.delegate.Locate(ctx, keyOrder, key)
		if err != nil {
			return directory.PartitionLocator{}, err
		}
		c.locators.Set(cacheKey, locator, 1)
		return locator, nil
	})
	if shared {
		deduplicatedLookupsCounter.Inc()
	}
	if err != nil {
		return directory.PartitionLocator{}, err
	}

	return resp.(directory.PartitionLocator), nil
}

func (c *CachedDirectory) Resolve(ctx context.Context, node types.NodeID) (directory.PeerInfo, error) {
	if info, ok := c.peers.Get(node); ok {
		return info, nil
	}

	resp, err, shared := c.group.Do("p/"+node.String(), func() (interface{}, error) {
		info, err := c.delegate.Resolve(ctx, node)
		if err != nil {
			return directory.PeerInfo{}, err
		}
		c.peers.Set(node, info, 1)
		return info, nil
	})
	if shared {
		deduplicatedLookupsCounter.Inc()
	}
	if err != nil {
		return directory.PeerInfo{}, err
	}

	return resp.(directory.PeerInfo), nil
}

// Close releases the caches and closes the underlying directory.
func (c *CachedDirectory) Close() {
	c.locators.Close()
	c.peers.Close()
	c.delegate.Close()
}
