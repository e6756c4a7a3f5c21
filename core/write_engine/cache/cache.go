// Package cache implements a reference-counted resource cache keyed by a
// 64-bit identifier.
//
// An entry lives exactly as long as someone holds a reference to it: Get takes
// a reference (loading the value on a miss), Release drops one, and the entry
// is written back and removed when the count reaches zero. There is no
// replacement policy beyond that. Loads run without the cache lock held and
// concurrent Gets for the same missing key share a single Fetch.
package cache

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend supplies the two behaviours that parameterise a Cache: how to load
// a value on a miss and how to persist it when it is evicted.
type Backend[V any] interface {
	Fetch(key uint64) (V, error)
	Writeback(value V) error
}

type entry[V any] struct {
	value V
	refs  int
}

// Cache is safe for concurrent use, except that Close must not race with
// Get or Release.
type Cache[V any] struct {
	name     string
	backend  Backend[V]
	capacity int // 0 means unbounded

	mu      sync.Mutex
	entries map[uint64]*entry[V]
	slots   int // resident entries plus loads in flight

	group   singleflight.Group
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// New creates a cache holding at most capacity entries (0 = unbounded).
func New[V any](name string, capacity int, backend Backend[V], logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Cache[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		name:     name,
		backend:  backend,
		capacity: capacity,
		entries:  make(map[uint64]*entry[V]),
		logger:   logger.Named(name + "_cache"),
		metrics:  metrics,
	}
}

// Get returns the value for key and takes a reference on it. Every successful
// Get must be paired with a Release.
func (c *Cache[V]) Get(key uint64) (V, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refs++
			c.mu.Unlock()
			c.metrics.CacheHit(c.name)
			return e.value, nil
		}
		c.mu.Unlock()

		// Only the caller whose closure actually runs sees owned set; the
		// reference taken inside load belongs to it.
		owned := false
		v, err, _ := c.group.Do(strconv.FormatUint(key, 10), func() (any, error) {
			value, err := c.load(key)
			if err != nil {
				return nil, err
			}
			owned = true
			return value, nil
		})
		if err != nil {
			var zero V
			return zero, err
		}
		if owned {
			return v.(V), nil
		}

		// Shared result: take our own reference on the committed entry.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refs++
			c.mu.Unlock()
			c.metrics.CacheHit(c.name)
			return e.value, nil
		}
		c.mu.Unlock()
		// Every holder released it between the load and now; start over.
	}
}

// load runs inside the single flight for key. On return without error the
// entry is resident and the caller holds one reference to it.
func (c *Cache[V]) load(key uint64) (V, error) {
	var zero V

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		// A previous flight committed the entry after our lookup.
		e.refs++
		c.mu.Unlock()
		return e.value, nil
	}
	if c.capacity > 0 && c.slots >= c.capacity {
		c.mu.Unlock()
		c.metrics.CacheFull(c.name)
		return zero, fmt.Errorf("%w: %s cache holds %d entries", flushmanager.ErrCacheFull, c.name, c.capacity)
	}
	c.slots++
	c.mu.Unlock()
	c.metrics.CacheMiss(c.name)

	value, err := c.backend.Fetch(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.slots--
		c.metrics.CacheLoadFailed(c.name)
		c.logger.Debug("Load failed, slot released", zap.Uint64("key", key), zap.Error(err))
		return zero, err
	}
	c.entries[key] = &entry[V]{value: value, refs: 1}
	return value, nil
}

// Release drops one reference on key. When the last reference goes the value
// is written back and evicted. Writeback runs under the cache lock so that a
// concurrent reload cannot observe stale file contents. If writeback fails the
// entry stays resident with no references; the next Get reuses it and a later
// Release or Close retries the writeback.
func (c *Cache[V]) Release(key uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.refs == 0 {
		return fmt.Errorf("%w: %s cache key %d", flushmanager.ErrNotCached, c.name, key)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	if err := c.backend.Writeback(e.value); err != nil {
		c.logger.Error("Writeback failed on eviction, keeping entry", zap.Uint64("key", key), zap.Error(err))
		return fmt.Errorf("writeback of %s cache key %d: %w", c.name, key, err)
	}
	delete(c.entries, key)
	c.slots--
	c.metrics.CacheEvicted(c.name, 1)
	return nil
}

// Close writes back and removes every resident entry regardless of its
// reference count. It is meant for shutdown only.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	n := len(c.entries)
	for key, e := range c.entries {
		if err := c.backend.Writeback(e.value); err != nil {
			c.logger.Error("Writeback failed on close", zap.Uint64("key", key), zap.Error(err))
			errs = append(errs, fmt.Errorf("writeback of %s cache key %d: %w", c.name, key, err))
		}
		delete(c.entries, key)
	}
	c.slots -= n
	c.metrics.CacheEvicted(c.name, n)
	c.logger.Debug("Cache closed", zap.Int("writtenBack", n))
	return errors.Join(errs...)
}

// Discard removes every resident entry whose key matches, without writing it
// back. Holders of discarded values must not Release them.
func (c *Cache[V]) Discard(match func(key uint64) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			n++
		}
	}
	c.slots -= n
	c.metrics.CacheEvicted(c.name, n)
	return n
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RefCount returns the reference count of key and whether it is resident.
func (c *Cache[V]) RefCount(key uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.refs, true
}
