package capabilities

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/host"
	"github.com/morezero/capabilities-gateway/pkg/registry"
)

const capabilitiesTestPrefix = "capabilities:capabilities_test"

type fakeHost struct {
	status   host.Status
	accept   bool
	requests []bool
}

func (h *fakeHost) Status() host.Status { return h.status }

func (h *fakeHost) RequestPlayMode(enter bool) bool {
	h.requests = append(h.requests, enter)
	return h.accept
}

func call(t *testing.T, s *Set, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	reg := registry.NewRegistry(registry.NewRegistryParams{Handlers: s})
	if _, err := reg.RebuildAll(context.Background()); err != nil {
		t.Fatalf("%s - RebuildAll failed: %v", capabilitiesTestPrefix, err)
	}
	desc, err := reg.Resolve(context.Background(), name)
	if err != nil {
		t.Fatalf("%s - Resolve(%s) failed: %v", capabilitiesTestPrefix, name, err)
	}
	res, err := desc.Handler(executor.WithHost(context.Background()), args)
	if err != nil {
		t.Fatalf("%s - %s returned error: %v", capabilitiesTestPrefix, name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	if tc, ok := mcp.AsTextContent(res.Content[0]); ok {
		return tc.Text
	}
	return ""
}

func TestCapabilities_RegistersEveryTool(t *testing.T) {
	s := NewSet(&fakeHost{})
	descs := s.Capabilities()
	var got []string
	for _, d := range descs {
		got = append(got, d.Name)
		if d.InputSchema.Type != "object" {
			t.Errorf("%s - %s schema type = %q", capabilitiesTestPrefix, d.Name, d.InputSchema.Type)
		}
		if d.Description == "" {
			t.Errorf("%s - %s has no description", capabilitiesTestPrefix, d.Name)
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(Names()) {
		t.Errorf("%s - tools = %v, want %v", capabilitiesTestPrefix, got, Names())
	}

	for _, d := range descs {
		if d.Name == ToolEcho && fmt.Sprint(d.InputSchema.Required) != "[message]" {
			t.Errorf("%s - echo required = %v", capabilitiesTestPrefix, d.InputSchema.Required)
		}
	}
}

func TestEcho(t *testing.T) {
	s := NewSet(&fakeHost{})
	res := call(t, s, ToolEcho, map[string]any{"message": "hello"})
	if res.IsError || text(res) != "hello" {
		t.Errorf("%s - echo = %+v", capabilitiesTestPrefix, res)
	}
	if sc, ok := res.StructuredContent.(map[string]any); !ok || sc["message"] != "hello" {
		t.Errorf("%s - structured = %v", capabilitiesTestPrefix, res.StructuredContent)
	}

	res = call(t, s, ToolEcho, map[string]any{"message": 42})
	if !res.IsError {
		t.Errorf("%s - non-string message accepted", capabilitiesTestPrefix)
	}
}

func TestSleep(t *testing.T) {
	s := NewSet(&fakeHost{})
	res := call(t, s, ToolSleep, map[string]any{"ms": float64(5)})
	if res.IsError || text(res) != "Slept 5 ms" {
		t.Errorf("%s - sleep = %q", capabilitiesTestPrefix, text(res))
	}
	res = call(t, s, ToolSleep, map[string]any{"ms": "soon"})
	if !res.IsError {
		t.Errorf("%s - invalid ms accepted", capabilitiesTestPrefix)
	}
}

func TestThreadInfo_ReportsHostContext(t *testing.T) {
	s := NewSet(&fakeHost{status: host.Status{Iterations: 7}})
	res := call(t, s, ToolGetThreadInfo, nil)
	info, ok := res.StructuredContent.(threadReport)
	if !ok {
		t.Fatalf("%s - structured = %T", capabilitiesTestPrefix, res.StructuredContent)
	}
	if !info.OnHost || info.Iteration != 7 || info.NumGoroutine == 0 {
		t.Errorf("%s - info = %+v", capabilitiesTestPrefix, info)
	}
}

func TestHostStatus(t *testing.T) {
	s := NewSet(&fakeHost{status: host.Status{Playing: true, QueueDepth: 3, Executor: "running"}})
	res := call(t, s, ToolGetHostStatus, nil)
	if !strings.Contains(text(res), "Playing: true") || !strings.Contains(text(res), "Queue depth: 3") {
		t.Errorf("%s - status text = %q", capabilitiesTestPrefix, text(res))
	}
}

func TestPlayMode_ChecksStatusFirst(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		status   host.Status
		accept   bool
		want     string
		requests string
	}{
		{"start from edit", ToolPlayModeStart, host.Status{}, true, "Play mode start requested", "[true]"},
		{"start while playing", ToolPlayModeStart, host.Status{Playing: true}, true, "Play mode is already active", "[]"},
		{"stop while playing", ToolPlayModeStop, host.Status{Playing: true}, true, "Play mode stop requested", "[false]"},
		{"stop from edit", ToolPlayModeStop, host.Status{}, true, "Play mode is not active", "[]"},
		{"start mid transition", ToolPlayModeStart, host.Status{Transitioning: true}, true, "A play mode transition is already in progress", "[]"},
		{"start rejected by host", ToolPlayModeStart, host.Status{}, false, "A play mode transition is already in progress", "[true]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHost{status: tt.status, accept: tt.accept}
			res := call(t, NewSet(h), tt.tool, nil)
			if text(res) != tt.want {
				t.Errorf("%s - text = %q, want %q", capabilitiesTestPrefix, text(res), tt.want)
			}
			if got := fmt.Sprint(h.requests); got != tt.requests {
				t.Errorf("%s - requests = %s, want %s", capabilitiesTestPrefix, got, tt.requests)
			}
		})
	}
}

func TestPlayModeStatus(t *testing.T) {
	s := NewSet(&fakeHost{status: host.Status{Playing: true}})
	res := call(t, s, ToolGetPlayModeStatus, nil)
	if text(res) != "Is Playing: true, Transitioning: false" {
		t.Errorf("%s - text = %q", capabilitiesTestPrefix, text(res))
	}
}
