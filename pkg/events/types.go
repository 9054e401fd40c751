// Package events defines gateway lifecycle events and their publishers.
package events

// Lifecycle event kinds.
const (
	KindTransitionBegin = "transition_begin"
	KindTransitionEnd   = "transition_end"
	KindContextReset    = "context_reset"
	KindGatewayStarted  = "gateway_started"
	KindGatewayStopped  = "gateway_stopped"
	KindExecutorReady   = "executor_ready"
)

// LifecycleEvent is emitted whenever the host or gateway changes state.
type LifecycleEvent struct {
	Kind           string `json:"kind"`
	Host           string `json:"host,omitempty"`
	Transition     string `json:"transition,omitempty"`
	Transitioning  bool   `json:"transitioning"`
	GatewayRunning bool   `json:"gatewayRunning"`
	WasRunning     bool   `json:"wasRunning"`
	Capabilities   int    `json:"capabilities,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp"`
}
