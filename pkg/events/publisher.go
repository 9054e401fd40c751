package events

import (
	"context"
	"sync"
)

// EventPublisher is the interface for publishing lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *LifecycleEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (used when COMMS_URL is unset).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *LifecycleEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *LifecycleEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *LifecycleEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *LifecycleEvent) error {
	return p.callback(ctx, event)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

// Publish records a copy of event.
func (r *Recorder) Publish(_ context.Context, event *LifecycleEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *event)
	r.mu.Unlock()
	return nil
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in publish order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
