// Package cache provides a generic, thread-safe TTL cache with hit/miss
// statistics and optional Prometheus export.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a key/value cache whose entries expire a fixed duration after
// they were set. Expired entries are never returned and are swept in the
// background at the cleanup interval.
type TTL[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]entry[V]
	now   func() time.Time

	stats   Statistics
	metrics *cacheMetrics

	stop chan struct{}
	once sync.Once
}

// Statistics holds cache counters
type Statistics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Sets      atomic.Int64
	Evictions atomic.Int64
}

// HitRatio returns hits / (hits + misses), or 0 before the first lookup
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits.Load(), s.Misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

type cacheMetrics struct {
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
	size      prometheus.Gauge
}

// Option configures a TTL cache
type Option func(*options)

type options struct {
	registrar metric.MetricsRegistrar
	prefix    string
	now       func() time.Time
}

// WithMetrics exports cache counters under the given component label
func WithMetrics(registrar metric.MetricsRegistrar, prefix string) Option {
	return func(o *options) {
		o.registrar = registrar
		o.prefix = prefix
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTL creates a cache and starts its cleanup goroutine, which stops when
// ctx is done or Close is called. A non-positive ttl disables caching: Set
// is a no-op and Get always misses.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts ...Option) (*TTL[V], error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TTL[V]{
		ttl:   ttl,
		items: make(map[string]entry[V]),
		now:   o.now,
		stop:  make(chan struct{}),
	}

	if o.registrar != nil && o.prefix != "" {
		m, err := newCacheMetrics(o.registrar, o.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
		c.metrics = m
	}

	if ttl > 0 {
		if cleanupInterval <= 0 {
			cleanupInterval = ttl
		}
		go c.cleanup(ctx, cleanupInterval)
	}
	return c, nil
}

func newCacheMetrics(registrar metric.MetricsRegistrar, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocpprouter", Subsystem: "cache", Name: "lookups_total",
			ConstLabels: labels, Help: "Cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocpprouter", Subsystem: "cache", Name: "evictions_total",
			ConstLabels: labels, Help: "Expired entries removed",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocpprouter", Subsystem: "cache", Name: "entries",
			ConstLabels: labels, Help: "Entries currently cached",
		}),
	}
	if err := registrar.Register("cache", prefix+"_lookups_total", m.lookups); err != nil {
		return nil, err
	}
	if err := registrar.Register("cache", prefix+"_evictions_total", m.evictions); err != nil {
		return nil, err
	}
	if err := registrar.Register("cache", prefix+"_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the cached value if present and not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		c.stats.Hits.Add(1)
		if c.metrics != nil {
			c.metrics.lookups.WithLabelValues("hit").Inc()
		}
		return e.value, true
	}

	c.stats.Misses.Add(1)
	if c.metrics != nil {
		c.metrics.lookups.WithLabelValues("miss").Inc()
	}
	var zero V
	return zero, false
}

// Set stores value under key for the cache TTL
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	if c.ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Sets.Add(1)
	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
	return nil
}

// Delete removes key, reporting whether it was present
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.size.Set(float64(size))
	}
	return ok
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the cache counters
func (c *TTL[V]) Stats() *Statistics {
	return &c.stats
}

// Sweep removes expired entries and returns how many were removed
func (c *TTL[V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if removed > 0 {
		c.stats.Evictions.Add(int64(removed))
		if c.metrics != nil {
			c.metrics.evictions.Add(float64(removed))
			c.metrics.size.Set(float64(size))
		}
	}
	return removed
}

// Close stops the cleanup goroutine
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *TTL[V]) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
