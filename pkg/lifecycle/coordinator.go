package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/capabilities-gateway/pkg/events"
)

const logPrefix = "lifecycle:coordinator"

// Component is something the coordinator can stop and restart.
type Component interface {
	Start() error
	Stop() error
	Running() bool
}

// Rebuilder rebuilds the capability registry after a host context reset.
type Rebuilder interface {
	RebuildAll(ctx context.Context) (int, error)
}

// NewCoordinatorParams holds the dependencies of a Coordinator.
type NewCoordinatorParams struct {
	Executor  Component
	Gateway   Component
	Registry  Rebuilder
	Publisher events.EventPublisher
	// Flag is shared with readers built before the coordinator. Optional.
	Flag *TransitionFlag
	// AutoStart restarts the gateway after a transition even if it was stopped before.
	AutoStart bool
}

// Coordinator stops the gateway and executor before a host transition and
// restarts them afterwards.
type Coordinator struct {
	flag      *TransitionFlag
	executor  Component
	gateway   Component
	registry  Rebuilder
	publisher events.EventPublisher
	autoStart bool

	// mu serializes Begin/End/Reset; it is never held by request goroutines.
	mu         sync.Mutex
	wasRunning bool
}

// NewCoordinator creates a coordinator in the stable state.
func NewCoordinator(p NewCoordinatorParams) *Coordinator {
	pub := p.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	flag := p.Flag
	if flag == nil {
		flag = &TransitionFlag{}
	}
	return &Coordinator{
		flag:      flag,
		executor:  p.Executor,
		gateway:   p.Gateway,
		registry:  p.Registry,
		publisher: pub,
		autoStart: p.AutoStart,
	}
}

// Flag exposes the transition flag to readers such as the dispatcher.
func (c *Coordinator) Flag() *TransitionFlag {
	return c.flag
}

// Transitioning reports whether a transition is in progress.
func (c *Coordinator) Transitioning() bool {
	return c.flag.Transitioning()
}

// WasRunning reports whether the gateway was running when the last transition began.
func (c *Coordinator) WasRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasRunning
}

// Start brings up the executor and gateway outside any transition.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startComponents(true); err != nil {
		return err
	}
	c.publish(ctx, events.KindGatewayStarted, "")
	return nil
}

// Shutdown stops the gateway and executor for good.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.stopComponents()
	c.publish(ctx, events.KindGatewayStopped, "")
	return err
}

// BeginTransition sets the transition flag, remembers whether the gateway was
// serving, then stops the gateway and the executor in that order. Work still
// queued fails with an abort that the dispatcher reports as expected.
func (c *Coordinator) BeginTransition(ctx context.Context, t Transition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flag.Set(t)
	c.wasRunning = c.gateway != nil && c.gateway.Running()
	slog.Info(fmt.Sprintf("%s - Transition %s begins, gateway running=%v", logPrefix, t, c.wasRunning))

	err := c.stopComponents()
	c.publish(ctx, events.KindTransitionBegin, t)
	return err
}

// EndTransition restarts the executor, restarts the gateway if it was running
// before the transition (or AutoStart is set), and clears the flag.
func (c *Coordinator) EndTransition(ctx context.Context, t Transition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.startComponents(c.wasRunning || c.autoStart)
	c.flag.Clear()
	slog.Info(fmt.Sprintf("%s - Transition %s ended", logPrefix, t))
	c.publish(ctx, events.KindTransitionEnd, t)
	return err
}

// ResetContext rebuilds the registry after the host swapped its working context.
func (c *Coordinator) ResetContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registry == nil {
		return nil
	}
	n, err := c.registry.RebuildAll(ctx)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - registry rebuild failed: %v", logPrefix, err))
		c.publishErr(ctx, events.KindContextReset, "", err)
		return fmt.Errorf("%s - failed to rebuild registry: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Host context reset, %d capabilities registered", logPrefix, n))
	c.publishEvent(ctx, &events.LifecycleEvent{Kind: events.KindContextReset, Capabilities: n})
	return nil
}

func (c *Coordinator) stopComponents() error {
	var errs []error
	if c.gateway != nil && c.gateway.Running() {
		if err := c.gateway.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s - failed to stop gateway: %w", logPrefix, err))
		}
	}
	if c.executor != nil {
		if err := c.executor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s - failed to stop executor: %w", logPrefix, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) startComponents(withGateway bool) error {
	if c.executor != nil && !c.executor.Running() {
		if err := c.executor.Start(); err != nil {
			return fmt.Errorf("%s - failed to start executor: %w", logPrefix, err)
		}
	}
	if withGateway && c.gateway != nil && !c.gateway.Running() {
		if err := c.gateway.Start(); err != nil {
			return fmt.Errorf("%s - failed to start gateway: %w", logPrefix, err)
		}
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, kind string, t Transition) {
	c.publishEvent(ctx, &events.LifecycleEvent{Kind: kind, Transition: string(t)})
}

func (c *Coordinator) publishErr(ctx context.Context, kind string, t Transition, err error) {
	c.publishEvent(ctx, &events.LifecycleEvent{Kind: kind, Transition: string(t), Error: err.Error()})
}

func (c *Coordinator) publishEvent(ctx context.Context, e *events.LifecycleEvent) {
	e.Transitioning = c.flag.Transitioning()
	e.GatewayRunning = c.gateway != nil && c.gateway.Running()
	e.WasRunning = c.wasRunning
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.publisher.Publish(ctx, e); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event: %v", logPrefix, e.Kind, err))
	}
}
