package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const bootstrapLogPrefix = "executor:bootstrap"

// State is the bootstrap state.
type State int32

const (
	StateUninitialized State = iota
	StateFallbackActive
	StateInstalled
	// StateFailed is entered when Install could not take the install lock. Terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateFallbackActive:
		return "fallback_active"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HostHooks are the host loop's scheduling primitives used before the real
// executor is installed.
type HostHooks interface {
	// Defer runs fn once on a later host iteration.
	Defer(fn func(ctx context.Context))
	// OnUpdate runs fn on every host iteration until cancel is called.
	OnUpdate(fn func(ctx context.Context)) (cancel func())
	// Wake asks the host loop to iterate soon.
	Wake()
}

// BootstrapConfig holds fallback and install tuning.
type BootstrapConfig struct {
	// Timeout bounds a fallback wait.
	Timeout time.Duration
	// PollInterval is how often a fallback wait checks for the installed executor.
	PollInterval time.Duration
	// InstallTimeout bounds acquisition of the install lock.
	InstallTimeout time.Duration
}

// DefaultBootstrapConfig returns the default bootstrap configuration.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		Timeout:        10 * time.Second,
		PollInterval:   10 * time.Millisecond,
		InstallTimeout: 3 * time.Second,
	}
}

// Bootstrap routes work to a fallback scheduler until the host installs the
// real executor, then hands over. Once installed it is a thin pass-through.
type Bootstrap struct {
	cfg   BootstrapConfig
	hooks HostHooks

	state      atomic.Int32
	exec       atomic.Pointer[Executor]
	installErr atomic.Pointer[error]

	// installLock is a one-slot semaphore so acquisition can time out.
	installLock chan struct{}

	pendingFallbacks atomic.Int64
}

// NewBootstrap creates a bootstrap in StateUninitialized.
func NewBootstrap(cfg BootstrapConfig, hooks HostHooks) *Bootstrap {
	def := DefaultBootstrapConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	return &Bootstrap{
		cfg:         cfg,
		hooks:       hooks,
		installLock: make(chan struct{}, 1),
	}
}

// State returns the current bootstrap state.
func (b *Bootstrap) State() State {
	return State(b.state.Load())
}

// Executor returns the installed executor, or nil.
func (b *Bootstrap) Executor() *Executor {
	return b.exec.Load()
}

// Install publishes the real executor. It is called once by the host loop after
// its one-time setup. Failing to take the install lock within InstallTimeout is
// fatal: the bootstrap stays in StateFailed and later calls return the same error.
func (b *Bootstrap) Install(exec *Executor) error {
	if err := b.failure(); err != nil {
		return err
	}
	if err := b.lock(); err != nil {
		b.installErr.Store(&err)
		b.state.Store(int32(StateFailed))
		slog.Error(fmt.Sprintf("%s - Executor install lock not acquired within %v, host calls will be rejected", bootstrapLogPrefix, b.cfg.InstallTimeout))
		return err
	}
	defer b.unlock()

	if err := b.failure(); err != nil {
		return err
	}
	if b.State() == StateInstalled {
		slog.Warn(fmt.Sprintf("%s - executor already installed, ignoring", bootstrapLogPrefix))
		return nil
	}
	b.exec.Store(exec)
	b.state.Store(int32(StateInstalled))
	slog.Info(fmt.Sprintf("%s - Executor installed, %d fallback waits pending", bootstrapLogPrefix, b.pendingFallbacks.Load()))
	return nil
}

// failure returns the stored install error once the bootstrap has failed.
func (b *Bootstrap) failure() error {
	if b.State() != StateFailed {
		return nil
	}
	if errp := b.installErr.Load(); errp != nil {
		return *errp
	}
	return ErrInstallTimeout
}

func (b *Bootstrap) lock() error {
	timer := time.NewTimer(b.cfg.InstallTimeout)
	defer timer.Stop()
	select {
	case b.installLock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s - install lock not acquired within %v: %w", bootstrapLogPrefix, b.cfg.InstallTimeout, ErrInstallTimeout)
	}
}

func (b *Bootstrap) unlock() {
	<-b.installLock
}

// QueueDepth reports the installed executor's depth, or the number of pending
// fallback waits before installation.
func (b *Bootstrap) QueueDepth() int {
	if exec := b.exec.Load(); exec != nil {
		return exec.QueueDepth()
	}
	return int(b.pendingFallbacks.Load())
}

// RunOnHostThread runs work on the host loop, through the fallback scheduler
// if the real executor is not installed yet. A ctx marked by WithHost runs work
// inline, whatever goroutine it is called from.
func (b *Bootstrap) RunOnHostThread(ctx context.Context, work Work) (any, error) {
	if OnHost(ctx) {
		return safeRun(ctx, "inline", work)
	}
	switch b.State() {
	case StateInstalled:
		return b.exec.Load().RunOnHostThread(ctx, work)
	case StateFailed:
		return nil, b.failure()
	}
	if b.state.CompareAndSwap(int32(StateUninitialized), int32(StateFallbackActive)) {
		slog.Info(fmt.Sprintf("%s - Host not ready, fallback scheduling active", bootstrapLogPrefix))
	}
	return b.runFallback(ctx, work)
}

const (
	attemptPending int32 = iota
	attemptClaimed
	attemptAbandoned
)

// fallbackAttempt is one work item raced between a deferred callback and an
// update callback. Exactly one party moves it out of attemptPending.
type fallbackAttempt struct {
	state atomic.Int32
	task  *DispatchTask

	mu           sync.Mutex
	cancelUpdate func()
	deregistered bool
}

func (a *fallbackAttempt) setCancel(cancel func()) {
	a.mu.Lock()
	if a.deregistered {
		a.mu.Unlock()
		cancel()
		return
	}
	a.cancelUpdate = cancel
	a.mu.Unlock()
}

// deregister cancels the update callback. The deferred callback is one-shot and
// becomes a no-op once the attempt has left attemptPending.
func (a *fallbackAttempt) deregister() {
	a.mu.Lock()
	a.deregistered = true
	cancel := a.cancelUpdate
	a.cancelUpdate = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *fallbackAttempt) claim(ctx context.Context) {
	if !a.state.CompareAndSwap(attemptPending, attemptClaimed) {
		return
	}
	a.deregister()
	a.task.run(WithHost(ctx))
}

// runFallback waits for a host callback to run work. If the real executor is
// installed first, the work moves to its queue with whatever remains of the
// original timeout, so the total wait stays within one timeout.
func (b *Bootstrap) runFallback(ctx context.Context, work Work) (any, error) {
	deadline := time.Now().Add(b.cfg.Timeout)
	b.pendingFallbacks.Add(1)
	defer b.pendingFallbacks.Add(-1)

	a := &fallbackAttempt{task: newTask(work)}
	b.hooks.Defer(a.claim)
	a.setCancel(b.hooks.OnUpdate(a.claim))
	b.hooks.Wake()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.task.Done():
			return a.task.Result()
		case <-ticker.C:
			exec := b.exec.Load()
			if exec == nil {
				b.hooks.Wake()
				continue
			}
			if a.state.CompareAndSwap(attemptPending, attemptAbandoned) {
				a.deregister()
				slog.Debug(fmt.Sprintf("%s - handing task %s over to installed executor", bootstrapLogPrefix, a.task.ID))
				return exec.runUntil(ctx, work, deadline, b.cfg.Timeout)
			}
			// Already claimed by a host callback; its result is authoritative.
		case <-timer.C:
			if a.state.CompareAndSwap(attemptPending, attemptAbandoned) {
				a.deregister()
			} else if a.task.Completed() {
				<-a.task.Done()
				return a.task.Result()
			}
			depth := int(b.pendingFallbacks.Load())
			slog.Warn(fmt.Sprintf("%s - fallback task %s timed out after %v", bootstrapLogPrefix, a.task.ID, b.cfg.Timeout))
			return nil, &TimeoutError{Timeout: b.cfg.Timeout, QueueDepth: depth}
		case <-ctx.Done():
			if a.state.CompareAndSwap(attemptPending, attemptAbandoned) {
				a.deregister()
			}
			return nil, fmt.Errorf("%s - fallback wait cancelled: %w", bootstrapLogPrefix, ctx.Err())
		}
	}
}
