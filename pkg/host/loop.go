// Package host simulates the host application's cooperative main loop. The
// loop is the only goroutine that may run capability handlers: it drains the
// executor once per iteration, runs deferred and per-update callbacks, and
// drives play-mode transitions through the lifecycle coordinator.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/lifecycle"
)

const logPrefix = "host:loop"

// Config holds loop timing.
type Config struct {
	// TickInterval is the idle period between iterations.
	TickInterval time.Duration
	// TransitionDuration is how long a simulated play-mode switch keeps the
	// host busy.
	TransitionDuration time.Duration
}

// DefaultConfig returns the default loop timing.
func DefaultConfig() Config {
	return Config{
		TickInterval:       16 * time.Millisecond,
		TransitionDuration: 500 * time.Millisecond,
	}
}

// Installer receives the executor once the loop has finished its setup.
type Installer interface {
	Install(exec *executor.Executor) error
}

// Transitioner is the coordinator surface the loop drives.
type Transitioner interface {
	BeginTransition(ctx context.Context, t lifecycle.Transition) error
	EndTransition(ctx context.Context, t lifecycle.Transition) error
	ResetContext(ctx context.Context) error
	Transitioning() bool
}

// NewLoopParams holds parameters for NewLoop.
type NewLoopParams struct {
	Config   Config
	Executor *executor.Executor
	// Setup runs on the first iteration, before the executor is installed.
	Setup func(ctx context.Context) error
}

// Status is a point-in-time view of the host.
type Status struct {
	Playing       bool      `json:"playing"`
	Transitioning bool      `json:"transitioning"`
	Transition    string    `json:"transition,omitempty"`
	Iterations    int64     `json:"iterations"`
	StartedAt     time.Time `json:"startedAt"`
	QueueDepth    int       `json:"queueDepth"`
	Executor      string    `json:"executor"`
}

type pendingTransition struct {
	kind   lifecycle.Transition
	enter  bool
	endsAt time.Time
}

// Loop is the simulated host main loop.
type Loop struct {
	cfg   Config
	exec  *executor.Executor
	setup func(ctx context.Context) error

	installer Installer
	coord     Transitioner

	wake chan struct{}

	cbMu     sync.Mutex
	deferred []func(ctx context.Context)
	updates  map[uint64]func(ctx context.Context)
	nextID   uint64

	stateMu       sync.Mutex
	playing       bool
	playRequested bool
	transition    *pendingTransition
	startedAt     time.Time

	iterations atomic.Int64
	running    atomic.Bool
}

// NewLoop creates a loop. Call Attach before Run.
func NewLoop(p NewLoopParams) *Loop {
	cfg := p.Config
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TransitionDuration <= 0 {
		cfg.TransitionDuration = def.TransitionDuration
	}
	return &Loop{
		cfg:     cfg,
		exec:    p.Executor,
		setup:   p.Setup,
		wake:    make(chan struct{}, 1),
		updates: make(map[uint64]func(ctx context.Context)),
	}
}

// Attach wires the components that are built after the loop itself.
func (l *Loop) Attach(installer Installer, coord Transitioner) {
	l.installer = installer
	l.coord = coord
}

// Defer runs fn once on a later iteration.
func (l *Loop) Defer(fn func(ctx context.Context)) {
	l.cbMu.Lock()
	l.deferred = append(l.deferred, fn)
	l.cbMu.Unlock()
	l.Wake()
}

// OnUpdate runs fn on every iteration until the returned cancel is called.
func (l *Loop) OnUpdate(fn func(ctx context.Context)) func() {
	l.cbMu.Lock()
	l.nextID++
	id := l.nextID
	l.updates[id] = fn
	l.cbMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.cbMu.Lock()
			delete(l.updates, id)
			l.cbMu.Unlock()
		})
	}
}

// Wake asks for an iteration without waiting for the next tick.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run iterates until ctx is cancelled. It must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s - loop already running", logPrefix)
	}
	defer l.running.Store(false)

	l.stateMu.Lock()
	l.startedAt = time.Now()
	l.stateMu.Unlock()

	hostCtx := executor.WithHost(ctx)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info(fmt.Sprintf("%s - Host loop started, tick %v", logPrefix, l.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			slog.Info(fmt.Sprintf("%s - Host loop stopped after %d iterations", logPrefix, l.iterations.Load()))
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
		l.iterate(hostCtx)
	}
}

func (l *Loop) iterate(ctx context.Context) {
	n := l.iterations.Add(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in iteration %d: %v", logPrefix, n, r))
		}
	}()

	if n == 1 {
		l.install(ctx)
	}
	l.runDeferred(ctx)
	l.runUpdates(ctx)
	l.advanceTransition(ctx)
	if l.exec != nil {
		l.exec.DrainTick(ctx)
	}
}

func (l *Loop) install(ctx context.Context) {
	if l.setup != nil {
		if err := l.setup(ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - host setup failed: %v", logPrefix, err))
		}
	}
	if l.installer == nil || l.exec == nil {
		return
	}
	if err := l.installer.Install(l.exec); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to install executor: %v", logPrefix, err))
	}
}

func (l *Loop) runDeferred(ctx context.Context) {
	l.cbMu.Lock()
	fns := l.deferred
	l.deferred = nil
	l.cbMu.Unlock()
	for _, fn := range fns {
		l.call(ctx, fn)
	}
}

func (l *Loop) runUpdates(ctx context.Context) {
	l.cbMu.Lock()
	fns := make([]func(ctx context.Context), 0, len(l.updates))
	for _, fn := range l.updates {
		fns = append(fns, fn)
	}
	l.cbMu.Unlock()
	for _, fn := range fns {
		l.call(ctx, fn)
	}
}

// call runs one callback; a panic is logged and does not affect its neighbours.
func (l *Loop) call(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in host callback: %v", logPrefix, r))
		}
	}()
	fn(ctx)
}

// Iterations returns how many iterations have run.
func (l *Loop) Iterations() int64 {
	return l.iterations.Load()
}

// Status reports the host state.
func (l *Loop) Status() Status {
	l.stateMu.Lock()
	st := Status{
		Playing:    l.playing,
		Iterations: l.iterations.Load(),
		StartedAt:  l.startedAt,
	}
	if l.transition != nil {
		st.Transitioning = true
		st.Transition = string(l.transition.kind)
	}
	l.stateMu.Unlock()

	if l.coord != nil && l.coord.Transitioning() {
		st.Transitioning = true
	}
	if l.exec != nil {
		st.QueueDepth = l.exec.QueueDepth()
		if l.exec.Running() {
			st.Executor = "running"
		} else {
			st.Executor = "stopped"
		}
	}
	return st
}

// RequestPlayMode schedules a switch into (enter=true) or out of play mode on
// the next iteration. It returns false when the host is already in the
// requested mode or a switch is pending.
func (l *Loop) RequestPlayMode(enter bool) bool {
	l.stateMu.Lock()
	if l.transition != nil || l.playRequested || l.playing == enter {
		l.stateMu.Unlock()
		return false
	}
	l.playRequested = true
	l.stateMu.Unlock()

	l.Defer(func(ctx context.Context) { l.beginPlayTransition(ctx, enter) })
	return true
}

// RequestContextReset schedules a registry rebuild on the next iteration.
func (l *Loop) RequestContextReset() {
	l.Defer(func(ctx context.Context) {
		if l.coord == nil {
			return
		}
		if err := l.coord.ResetContext(ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - context reset failed: %v", logPrefix, err))
		}
	})
}

func (l *Loop) beginPlayTransition(ctx context.Context, enter bool) {
	kind := lifecycle.TransitionExitPlay
	if enter {
		kind = lifecycle.TransitionEnterPlay
	}

	l.stateMu.Lock()
	l.playRequested = false
	l.transition = &pendingTransition{kind: kind, enter: enter, endsAt: time.Now().Add(l.cfg.TransitionDuration)}
	l.stateMu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s requested", logPrefix, kind))
	if l.coord == nil {
		return
	}
	if err := l.coord.BeginTransition(ctx, kind); err != nil {
		slog.Warn(fmt.Sprintf("%s - begin %s: %v", logPrefix, kind, err))
	}
}

// advanceTransition finishes a pending transition once its duration elapsed.
// The host context is new afterwards, so the registry is rebuilt.
func (l *Loop) advanceTransition(ctx context.Context) {
	l.stateMu.Lock()
	tr := l.transition
	if tr == nil || time.Now().Before(tr.endsAt) {
		l.stateMu.Unlock()
		return
	}
	l.transition = nil
	l.playing = tr.enter
	l.stateMu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s complete, playing=%v", logPrefix, tr.kind, tr.enter))
	if l.coord == nil {
		return
	}
	if err := l.coord.EndTransition(ctx, tr.kind); err != nil {
		slog.Error(fmt.Sprintf("%s - end %s: %v", logPrefix, tr.kind, err))
	}
	if err := l.coord.ResetContext(ctx); err != nil {
		slog.Error(fmt.Sprintf("%s - context reset after %s failed: %v", logPrefix, tr.kind, err))
	}
}
