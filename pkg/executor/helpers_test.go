package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startDrainLoop runs a stand-in host loop that drains exec every millisecond.
func startDrainLoop(t *testing.T, exec *Executor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				exec.DrainTick(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type countingWaker struct {
	n atomic.Int32
}

func (w *countingWaker) Wake() { w.n.Add(1) }

// fakeHost implements HostHooks; iterate plays one host loop iteration.
type fakeHost struct {
	mu       sync.Mutex
	deferred []func(ctx context.Context)
	updates  map[int]func(ctx context.Context)
	nextID   int
	wakes    atomic.Int32
}

func newFakeHost() *fakeHost {
	return &fakeHost{updates: make(map[int]func(ctx context.Context))}
}

func (h *fakeHost) Defer(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.deferred = append(h.deferred, fn)
	h.mu.Unlock()
}

func (h *fakeHost) OnUpdate(fn func(ctx context.Context)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.updates[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.updates, id)
		h.mu.Unlock()
	}
}

func (h *fakeHost) Wake() { h.wakes.Add(1) }

func (h *fakeHost) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

func (h *fakeHost) iterate(ctx context.Context) {
	h.mu.Lock()
	deferred := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	for _, fn := range deferred {
		fn(ctx)
	}

	h.mu.Lock()
	updates := make([]func(ctx context.Context), 0, len(h.updates))
	for _, fn := range h.updates {
		updates = append(updates, fn)
	}
	h.mu.Unlock()
	for _, fn := range updates {
		fn(ctx)
	}
}

func (h *fakeHost) run(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.iterate(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("executor:helpers_test - timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
