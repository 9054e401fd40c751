// Package lifecycle coordinates gateway and executor availability with host
// state transitions.
package lifecycle

import (
	"sync"
	"time"
)

// Transition names a host state change that invalidates the host context.
type Transition string

const (
	TransitionEnterPlay Transition = "enter_play"
	TransitionExitPlay  Transition = "exit_play"
	TransitionReload    Transition = "reload"
)

// TransitionFlag records whether the host is mid-transition. It has its own
// lock, independent of every executor and gateway lock.
type TransitionFlag struct {
	mu            sync.RWMutex
	transitioning bool
	current       Transition
	since         time.Time
}

// Set marks the host as transitioning.
func (f *TransitionFlag) Set(t Transition) {
	f.mu.Lock()
	f.transitioning = true
	f.current = t
	f.since = time.Now()
	f.mu.Unlock()
}

// Clear marks the host as stable.
func (f *TransitionFlag) Clear() {
	f.mu.Lock()
	f.transitioning = false
	f.current = ""
	f.since = time.Time{}
	f.mu.Unlock()
}

// Transitioning reports whether a transition is in progress.
func (f *TransitionFlag) Transitioning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.transitioning
}

// Current returns the in-progress transition and when it began.
func (f *TransitionFlag) Current() (Transition, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current, f.since, f.transitioning
}
