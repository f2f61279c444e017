package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTL_GetSetExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := NewTTL[string](context.Background(), 10*time.Second, time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("acme")
	assert.False(t, ok)

	require.NoError(t, c.Set("acme", "tenant-1"))
	v, ok := c.Get("acme")
	assert.True(t, ok)
	assert.Equal(t, "tenant-1", v)

	clock.Advance(10 * time.Second)
	_, ok = c.Get("acme")
	assert.False(t, ok, "entry must expire exactly at ttl")

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits.Load())
	assert.Equal(t, int64(2), stats.Misses.Load())
	assert.Equal(t, int64(1), stats.Evictions.Load())
	assert.InDelta(t, 1.0/3.0, stats.HitRatio(), 0.001)
}

func TestTTL_DisabledWhenTTLZero(t *testing.T) {
	c, err := NewTTL[int](context.Background(), 0, 0)
	require.NoError(t, err)

	require.NoError(t, c.Set("k", 1))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTL_EmptyKey(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Second, time.Second)
	require.NoError(t, err)
	defer c.Close()

	err = c.Set("", 1)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTL_Delete(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_ = c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
}

func TestTTL_BackgroundCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewTTL[int](ctx, 20*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	_ = c.Set("a", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTTL_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute, WithMetrics(registry, "tenants"))
	require.NoError(t, err)
	defer c.Close()

	_ = c.Set("a", 1)
	c.Get("a")
	c.Get("b")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["ocpprouter_cache_lookups_total"])
	assert.True(t, names["ocpprouter_cache_entries"])

	_, err = NewTTL[int](context.Background(), time.Minute, time.Minute, WithMetrics(registry, "tenants"))
	assert.Error(t, err, "duplicate component prefix")
}
