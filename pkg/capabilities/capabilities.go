// Package capabilities is the demo capability set served by the gateway
// binary. Every handler runs on the host loop.
package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/host"
	"github.com/morezero/capabilities-gateway/pkg/registry"
)

const logPrefix = "capabilities:capabilities"

// Tool names.
const (
	ToolEcho              = "echo"
	ToolGetHostStatus     = "get_host_status"
	ToolGetThreadInfo     = "get_thread_info"
	ToolSleep             = "sleep"
	ToolPlayModeStart     = "play_mode_start"
	ToolPlayModeStop      = "play_mode_stop"
	ToolGetPlayModeStatus = "get_play_mode_status"
)

// MaxSleep caps the sleep tool.
const MaxSleep = 60 * time.Second

// HostControl is the host surface the demo tools use.
type HostControl interface {
	Status() host.Status
	RequestPlayMode(enter bool) bool
}

// Set builds the demo descriptors.
type Set struct {
	host HostControl
}

// NewSet creates the demo capability set.
func NewSet(h HostControl) *Set {
	return &Set{host: h}
}

// Names lists every tool the set provides, in registration order.
func Names() []string {
	return []string{
		ToolEcho,
		ToolGetHostStatus,
		ToolGetThreadInfo,
		ToolSleep,
		ToolPlayModeStart,
		ToolPlayModeStop,
		ToolGetPlayModeStatus,
	}
}

// Capabilities implements registry.HandlerSet.
func (s *Set) Capabilities() []registry.CapabilityDescriptor {
	return []registry.CapabilityDescriptor{
		describe(mcp.NewTool(ToolEcho,
			mcp.WithDescription("Echo a message back from the host loop"),
			mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
		), s.echo),
		describe(mcp.NewTool(ToolGetHostStatus,
			mcp.WithDescription("Get host loop, executor and transition status"),
		), s.hostStatus),
		describe(mcp.NewTool(ToolGetThreadInfo,
			mcp.WithDescription("Report where the handler ran and runtime goroutine statistics"),
		), s.threadInfo),
		describe(mcp.NewTool(ToolSleep,
			mcp.WithDescription("Block the host loop for a number of milliseconds"),
			mcp.WithNumber("ms", mcp.Required(), mcp.Description("Milliseconds to sleep"), mcp.Min(0), mcp.Max(float64(MaxSleep.Milliseconds()))),
		), s.sleep),
		describe(mcp.NewTool(ToolPlayModeStart,
			mcp.WithDescription("Start play mode"),
		), s.playModeStart),
		describe(mcp.NewTool(ToolPlayModeStop,
			mcp.WithDescription("Stop play mode"),
		), s.playModeStop),
		describe(mcp.NewTool(ToolGetPlayModeStatus,
			mcp.WithDescription("Get current play mode status"),
		), s.playModeStatus),
	}
}

func describe(tool mcp.Tool, h registry.Handler) registry.CapabilityDescriptor {
	return registry.CapabilityDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		Handler:     h,
	}
}

func (s *Set) echo(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	msg, ok := args["message"].(string)
	if !ok {
		return mcp.NewToolResultError("message must be a string"), nil
	}
	return mcp.NewToolResultStructured(map[string]any{"message": msg}, msg), nil
}

func (s *Set) hostStatus(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	st := s.host.Status()
	text := fmt.Sprintf("Playing: %v, Transitioning: %v, Iterations: %d, Queue depth: %d, Executor: %s",
		st.Playing, st.Transitioning, st.Iterations, st.QueueDepth, st.Executor)
	return mcp.NewToolResultStructured(st, text), nil
}

type threadReport struct {
	OnHost       bool   `json:"onHost"`
	Iteration    int64  `json:"iteration"`
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`
}

func (s *Set) threadInfo(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	info := threadReport{
		OnHost:       executor.OnHost(ctx),
		Iteration:    s.host.Status().Iterations,
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	text := fmt.Sprintf("On host loop: %v, iteration %d, %d goroutines", info.OnHost, info.Iteration, info.NumGoroutine)
	return mcp.NewToolResultStructured(info, text), nil
}

func (s *Set) sleep(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	ms, ok := args["ms"].(float64)
	if !ok || ms < 0 {
		return mcp.NewToolResultError("ms must be a non-negative number"), nil
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxSleep {
		d = MaxSleep
	}
	time.Sleep(d)
	return mcp.NewToolResultText(fmt.Sprintf("Slept %d ms", d.Milliseconds())), nil
}

func (s *Set) playModeStart(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return s.requestPlayMode(true), nil
}

func (s *Set) playModeStop(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return s.requestPlayMode(false), nil
}

// requestPlayMode checks the current mode first and only asks the host to
// switch when needed. The switch itself runs on a later host iteration so
// this call returns before the gateway is stopped for the transition.
func (s *Set) requestPlayMode(enter bool) *mcp.CallToolResult {
	st := s.host.Status()
	switch {
	case st.Transitioning:
		return mcp.NewToolResultText("A play mode transition is already in progress")
	case enter && st.Playing:
		return mcp.NewToolResultText("Play mode is already active")
	case !enter && !st.Playing:
		return mcp.NewToolResultText("Play mode is not active")
	}

	if !s.host.RequestPlayMode(enter) {
		return mcp.NewToolResultText("A play mode transition is already in progress")
	}
	msg := "Play mode stop requested"
	if enter {
		msg = "Play mode start requested"
	}
	slog.Info(fmt.Sprintf("%s - %s", logPrefix, msg))
	return mcp.NewToolResultText(msg)
}

func (s *Set) playModeStatus(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	st := s.host.Status()
	status := map[string]any{
		"isPlaying":     st.Playing,
		"transitioning": st.Transitioning,
	}
	text := fmt.Sprintf("Is Playing: %v, Transitioning: %v", st.Playing, st.Transitioning)
	return mcp.NewToolResultStructured(status, text), nil
}
