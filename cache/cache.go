// Package cache implements the TTL cache shared by protocol adapters.
//
// A TTL cache maps string keys to values that expire a fixed duration after
// they were written. Expiry is checked lazily on read: an expired row is
// reported as a miss but stays in the backing store until it is overwritten
// or explicitly purged. Callers cannot tell an expired key from an absent
// one.
//
// Values are persisted as strings through a Codec, so any backend that can
// hold text can hold any value type:
//
//	store := cache.NewMemoryStore()
//	responses := cache.NewTTL[[]byte](store, cache.Base64Codec{})
//	_ = responses.Set(ctx, "tunnel:ftp://host/file", time.Hour, payload)
//	data, ok, err := responses.Get(ctx, "tunnel:ftp://host/file")
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/retrogate/retrogate/pkg/metrics"
)

// ErrDecode is returned by TTL.Get when a stored value cannot be decoded.
var ErrDecode = errors.New("cache value cannot be decoded")

// Entry is one cached row as held by a Store.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer readable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the persistence behind a TTL cache. Implementations must be safe
// for concurrent use and serialize writers of the same key. Stores do not
// interpret ExpiresAt; the TTL layer does.
type Store interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
	// Purge deletes rows that expired before the given instant.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Codec converts values to and from their stored text form.
type Codec[V any] interface {
	Encode(V) (string, error)
	Decode(string) (V, error)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Writes uint64 `json:"writes"`
}

// TTL is a typed view over a Store.
type TTL[V any] struct {
	store Store
	codec Codec[V]
	now   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now. Tests use it to simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewTTL[V any](store Store, codec Codec[V], opts ...Option) *TTL[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{store: store, codec: codec, now: o.now}
}

// Get returns the value for key. ok is false when the key is absent or its
// entry has expired.
func (c *TTL[V]) Get(ctx context.Context, key string) (v V, ok bool, err error) {
	e, found, err := c.store.Load(ctx, key)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return v, false, fmt.Errorf("cache load %q: %w", key, err)
	}
	if !found || e.Expired(c.now()) {
		c.misses.Add(1)
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return v, false, nil
	}
	v, err = c.codec.Decode(e.Value)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return v, false, fmt.Errorf("%w: key %q: %v", ErrDecode, key, err)
	}
	c.hits.Add(1)
	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return v, true, nil
}

// Set upserts key with an expiry of now+ttl.
func (c *TTL[V]) Set(ctx context.Context, key string, ttl time.Duration, value V) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %q: ttl must be positive, got %s", key, ttl)
	}
	encoded, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	e := Entry{Key: key, Value: encoded, ExpiresAt: c.now().Add(ttl)}
	if err := c.store.Save(ctx, e); err != nil {
		metrics.CacheOperations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("cache save %q: %w", key, err)
	}
	c.writes.Add(1)
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

// Purge removes expired rows. It is an operator action; the read and write
// paths never evict.
func (c *TTL[V]) Purge(ctx context.Context) (int64, error) {
	return c.store.Purge(ctx, c.now())
}

func (c *TTL[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Writes: c.writes.Load()}
}
