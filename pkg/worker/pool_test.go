package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/ocpprouter/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	if pool.workers != 5 || pool.queueSize != 100 {
		t.Errorf("expected 5/100, got %d/%d", pool.workers, pool.queueSize)
	}

	pool = NewPool(0, 0, processor)
	if pool.workers != 10 {
		t.Errorf("expected default 10 workers, got %d", pool.workers)
	}
	if pool.queueSize != 1000 {
		t.Errorf("expected default queue size 1000, got %d", pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for nil processor")
		}
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})

	if err := pool.Submit(testWork{id: 1}); !errors.Is(err, ErrPoolNotStarted) {
		t.Fatalf("expected ErrPoolNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Fatalf("expected ErrPoolAlreadyStarted, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// Stop drains queued work before returning
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := processed.Load(); got != 5 {
		t.Errorf("expected 5 processed items, got %d", got)
	}

	if err := pool.Submit(testWork{id: 99}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestPool_QueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 2, func(context.Context, testWork) error {
		<-release
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop(5 * time.Second)
	defer close(release)

	dropped := 0
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}

	// one in flight, two queued
	if dropped < 7 {
		t.Errorf("expected at least 7 drops, got %d", dropped)
	}
	if stats := pool.Stats(); stats.Dropped != int64(dropped) {
		t.Errorf("stats dropped %d, counted %d", stats.Dropped, dropped)
	}
}

func TestPool_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var failedIDs []int
	done := make(chan struct{}, 10)

	pool := NewPool(2, 10,
		func(_ context.Context, w testWork) error {
			defer func() { done <- struct{}{} }()
			if w.fail {
				return errors.New("endpoint returned 500")
			}
			return nil
		},
		WithErrorHandler(func(w testWork, err error) {
			mu.Lock()
			failedIDs = append(failedIDs, w.id)
			mu.Unlock()
		}),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 6; i++ {
		_ = pool.Submit(testWork{id: i, fail: i%2 == 0})
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("work not processed")
		}
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failedIDs) != 3 {
		t.Errorf("expected 3 failures reported, got %v", failedIDs)
	}
	stats := pool.Stats()
	if stats.Failed != 3 || stats.Processed != 6 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-block
		return nil
	})
	_ = pool.Start(context.Background())
	_ = pool.Submit(testWork{id: 1})
	time.Sleep(20 * time.Millisecond)

	if err := pool.Stop(50 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("expected ErrStopTimeout, got %v", err)
	}
}

func TestPool_ContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 10, func(context.Context, testWork) error { return nil })
	_ = pool.Start(ctx)
	cancel()

	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("stop after cancel: %v", err)
	}
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_pool"))
	if pool.metrics == nil {
		t.Fatal("expected metrics to be registered")
	}

	_ = pool.Start(context.Background())
	_ = pool.Submit(testWork{id: 1})
	_ = pool.Stop(time.Second)

	families, err := registry.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_pool_items_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected test_pool_items_total to be exported")
	}

	// Second pool with the same prefix runs without metrics
	other := NewPool(1, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_pool"))
	if other.metrics != nil {
		t.Error("expected duplicate prefix to disable metrics")
	}
}
