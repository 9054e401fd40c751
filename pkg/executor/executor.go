// Package executor marshals work from request goroutines onto the single host
// loop and blocks the caller until the host has run it or a timeout elapses.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/capabilities-gateway/pkg/taskqueue"
)

const logPrefix = "executor:executor"

// Runner is what callers need to get work onto the host loop.
// Both *Executor and *Bootstrap implement it.
type Runner interface {
	RunOnHostThread(ctx context.Context, work Work) (any, error)
	QueueDepth() int
}

// Waker nudges the host loop to run an iteration soon.
type Waker interface {
	Wake()
}

// Config holds executor tuning.
type Config struct {
	// Timeout bounds how long RunOnHostThread waits for completion.
	Timeout time.Duration
	// PollInterval is how often a waiting caller wakes the host loop.
	PollInterval time.Duration
	// MaxTasksPerTick caps the work done by one DrainTick.
	MaxTasksPerTick int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		PollInterval:    100 * time.Millisecond,
		MaxTasksPerTick: 100,
	}
}

// Executor queues work for the host loop. The host loop calls DrainTick once per iteration.
type Executor struct {
	cfg   Config
	queue *taskqueue.Queue[*DispatchTask]

	mu      sync.RWMutex
	running bool
	waker   Waker

	draining atomic.Bool
}

// New creates a stopped executor. Zero config fields fall back to DefaultConfig.
func New(cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxTasksPerTick <= 0 {
		cfg.MaxTasksPerTick = def.MaxTasksPerTick
	}
	return &Executor{
		cfg:   cfg,
		queue: taskqueue.New[*DispatchTask](),
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// SetWaker registers the host loop's wake hook.
func (e *Executor) SetWaker(w Waker) {
	e.mu.Lock()
	e.waker = w
	e.mu.Unlock()
}

// Start marks the executor ready to accept work.
func (e *Executor) Start() error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Executor started", logPrefix))
	return nil
}

// Stop rejects new work and fails every queued task with ErrAborted.
func (e *Executor) Stop() error {
	e.mu.Lock()
	e.running = false
	pending := e.queue.DrainAll()
	e.mu.Unlock()

	for _, t := range pending {
		t.complete(nil, fmt.Errorf("%s - task %s: %w", logPrefix, t.ID, ErrAborted))
	}
	slog.Info(fmt.Sprintf("%s - Executor stopped, aborted %d queued tasks", logPrefix, len(pending)))
	return nil
}

// Running reports whether the executor accepts work.
func (e *Executor) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// QueueDepth reports the number of tasks waiting for the host loop.
func (e *Executor) QueueDepth() int {
	return e.queue.Len()
}

// Submit enqueues work without waiting for it.
func (e *Executor) Submit(work Work) (*DispatchTask, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return nil, fmt.Errorf("%s - executor not running: %w", logPrefix, ErrAborted)
	}
	t := newTask(work)
	e.queue.Enqueue(t)
	return t, nil
}

// RunOnHostThread runs work on the host loop and returns its result.
// Called from a host context it runs inline; otherwise it queues the work and
// waits up to the configured timeout, waking the host loop every poll interval.
//
// The inline path trusts the context marker set by WithHost, not the calling
// goroutine. Work that receives a host context must not hand it to another
// goroutine, or calls made there would run inline off the host loop.
func (e *Executor) RunOnHostThread(ctx context.Context, work Work) (any, error) {
	if OnHost(ctx) {
		return safeRun(ctx, "inline", work)
	}
	return e.runUntil(ctx, work, time.Now().Add(e.cfg.Timeout), e.cfg.Timeout)
}

// runUntil queues work and waits for it until deadline. limit is the timeout
// reported when the deadline passes.
func (e *Executor) runUntil(ctx context.Context, work Work, deadline time.Time, limit time.Duration) (any, error) {
	t, err := e.Submit(work)
	if err != nil {
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - queued task %s, depth=%d", logPrefix, t.ID, e.queue.Len()))
	e.wake()
	return e.await(ctx, t, deadline, limit)
}

func (e *Executor) await(ctx context.Context, t *DispatchTask, deadline time.Time, limit time.Duration) (any, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return t.Result()
		case <-ticker.C:
			e.wake()
		case <-timer.C:
			if t.Completed() {
				<-t.Done()
				return t.Result()
			}
			depth := e.queue.Len()
			slog.Warn(fmt.Sprintf("%s - task %s timed out after %v, queue depth %d", logPrefix, t.ID, limit, depth))
			return nil, &TimeoutError{Timeout: limit, QueueDepth: depth}
		case <-ctx.Done():
			return nil, fmt.Errorf("%s - wait for task %s cancelled: %w", logPrefix, t.ID, ctx.Err())
		}
	}
}

// DrainTick runs up to MaxTasksPerTick queued tasks on the calling goroutine,
// which must be the host loop. It never blocks; a nested call while a drain is
// in progress returns 0 immediately.
func (e *Executor) DrainTick(ctx context.Context) int {
	if !e.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer e.draining.Store(false)

	hostCtx := WithHost(ctx)
	n := 0
	for n < e.cfg.MaxTasksPerTick {
		t, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		t.run(hostCtx)
		n++
	}
	if n > 0 {
		slog.Debug(fmt.Sprintf("%s - drained %d tasks, %d remaining", logPrefix, n, e.queue.Len()))
	}
	return n
}

func (e *Executor) wake() {
	e.mu.RLock()
	w := e.waker
	e.mu.RUnlock()
	if w != nil {
		w.Wake()
	}
}
