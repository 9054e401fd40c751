package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// DefaultProtocolVersion is answered to clients that do not ask for a version we know.
const DefaultProtocolVersion = "2024-11-05"

// Method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// TransitionReader reports whether the host is mid-transition.
type TransitionReader interface {
	Transitioning() bool
}

// ServerInfo identifies the gateway in initialize responses.
type ServerInfo struct {
	Name         string
	Version      string
	Instructions string
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Registry   *registry.Registry
	Runner     executor.Runner
	Transition TransitionReader
	Info       ServerInfo
}

// Dispatcher routes JSON-RPC requests.
type Dispatcher struct {
	registry   *registry.Registry
	runner     executor.Runner
	transition TransitionReader
	info       ServerInfo
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(p NewDispatcherParams) *Dispatcher {
	info := p.Info
	if info.Name == "" {
		info.Name = "Host MCP Gateway"
	}
	if info.Version == "" {
		info.Version = "1.0.2"
	}
	return &Dispatcher{
		registry:   p.Registry,
		runner:     p.Runner,
		transition: p.Transition,
		info:       info,
	}
}

// HandleBody decodes one HTTP body and dispatches it. It returns a nil
// response for notifications. label is what the client table records as the
// last method.
func (d *Dispatcher) HandleBody(ctx context.Context, body []byte) (resp *Response, label string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return errorResponse(nil, mcp.INVALID_REQUEST, "Batch requests are not supported", nil), "batch"
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		slog.Debug(fmt.Sprintf("%s - parse error: %v", logPrefix, err))
		return errorResponse(nil, mcp.PARSE_ERROR, "Parse error", nil), "parse_error"
	}
	if req.Method == "" || (req.JSONRPC != "" && req.JSONRPC != JSONRPCVersion) {
		return errorResponse(req.ID, mcp.INVALID_REQUEST, "Invalid Request", nil), "invalid_request"
	}

	resp = d.Dispatch(ctx, &req)
	if req.IsNotification() {
		return nil, Label(&req)
	}
	return resp, Label(&req)
}

// Dispatch routes a request to its handler. Every path yields either a result
// or an error; a panic anywhere in routing becomes an internal error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, string(req.ID)))

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic handling %s: %v", logPrefix, req.Method, r))
			resp = errorResponse(req.ID, mcp.INTERNAL_ERROR, fmt.Sprintf("Internal error: %v", r), nil)
		}
	}()

	switch req.Method {
	case MethodInitialize:
		return d.handleInitialize(req)
	case MethodInitialized:
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: struct{}{}}
	case MethodPing:
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: struct{}{}}
	case MethodToolsList:
		return d.handleToolsList(ctx, req)
	case MethodToolsCall:
		return d.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, mcp.METHOD_NOT_FOUND, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (d *Dispatcher) handleInitialize(req *Request) *Response {
	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, "Failed to parse initialize params", nil)
		}
	}
	version := NegotiateProtocolVersion(params.ProtocolVersion)
	slog.Info(fmt.Sprintf("%s - initialize from %s %s, protocol %s",
		logPrefix, params.ClientInfo.Name, params.ClientInfo.Version, version))

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result: initializeResult{
			ProtocolVersion: version,
			Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: false}},
			ServerInfo:      mcp.Implementation{Name: d.info.Name, Version: d.info.Version},
			Instructions:    d.info.Instructions,
		},
	}
}

// NegotiateProtocolVersion echoes a requested version we support, otherwise
// answers DefaultProtocolVersion.
func NegotiateProtocolVersion(requested string) string {
	if requested != "" && slices.Contains(mcp.ValidProtocolVersions, requested) {
		return requested
	}
	return DefaultProtocolVersion
}

func (d *Dispatcher) handleToolsList(ctx context.Context, req *Request) *Response {
	descs := d.registry.List(ctx)
	tools := make([]mcp.Tool, 0, len(descs))
	for i := range descs {
		tools = append(tools, descs[i].Tool())
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result:  map[string]interface{}{"tools": tools},
	}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Failed to parse tools/call params", nil)
	}
	if params.Name == "" {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Tool name is required", nil)
	}
	args := map[string]any{}
	if params.Arguments != nil {
		m, ok := params.Arguments.(map[string]any)
		if !ok {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, "Tool arguments must be an object", nil)
		}
		args = m
	}

	desc, err := d.registry.Resolve(ctx, params.Name)
	if err != nil {
		var regErr *registry.RegistryError
		if errors.As(err, &regErr) {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, regErr.Message, nil)
		}
		return d.internalError(req.ID, params.Name, err)
	}

	handler := desc.Handler
	out, err := d.runner.RunOnHostThread(ctx, func(hostCtx context.Context) (any, error) {
		return handler(hostCtx, args)
	})
	if err != nil {
		return d.internalError(req.ID, params.Name, err)
	}

	result, _ := out.(*mcp.CallToolResult)
	if result == nil {
		result = mcp.NewToolResultText("")
	}
	content := result.Content
	if content == nil {
		content = []mcp.Content{}
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result: callToolResult{
			Content:           content,
			StructuredContent: result.StructuredContent,
			IsError:           result.IsError,
		},
	}
}

// internalError classifies a failure from the host-execution path. Aborts
// caused by an in-progress host transition are expected and logged at debug;
// everything else is logged as an error.
func (d *Dispatcher) internalError(id json.RawMessage, tool string, err error) *Response {
	var timeoutErr *executor.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		depth := timeoutErr.QueueDepth
		slog.Warn(fmt.Sprintf("%s - tool %s timed out: %v", logPrefix, tool, err))
		return errorResponse(id, mcp.INTERNAL_ERROR, timeoutErr.Error(), &ErrorData{
			Reason:     "timeout",
			Retryable:  true,
			QueueDepth: &depth,
			TimeoutMs:  timeoutErr.Timeout.Milliseconds(),
		})
	case d.isTransitionAbort(err):
		slog.Debug(fmt.Sprintf("%s - tool %s aborted by host transition: %v", logPrefix, tool, err))
		return errorResponse(id, mcp.INTERNAL_ERROR, "Host is transitioning, retry shortly", &ErrorData{
			Reason:    "host_transitioning",
			Retryable: true,
		})
	case errors.Is(err, executor.ErrInstallTimeout):
		slog.Error(fmt.Sprintf("%s - tool %s: host executor unavailable: %v", logPrefix, tool, err))
		return errorResponse(id, mcp.INTERNAL_ERROR, "Host executor unavailable", &ErrorData{
			Reason: "executor_unavailable",
		})
	default:
		slog.Error(fmt.Sprintf("%s - tool %s failed: %v", logPrefix, tool, err))
		return errorResponse(id, mcp.INTERNAL_ERROR, err.Error(), nil)
	}
}

func (d *Dispatcher) isTransitionAbort(err error) bool {
	if d.transition == nil || !d.transition.Transitioning() {
		return false
	}
	return errors.Is(err, executor.ErrAborted) || errors.Is(err, context.Canceled)
}

func errorResponse(id json.RawMessage, code int, message string, data *ErrorData) *Response {
	detail := &ErrorDetail{Code: code, Message: message}
	if data != nil {
		detail.Data = data
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: detail}
}

// Label names a request for client activity tracking: the method, or
// "tools/call:<name>" for tool calls.
func Label(req *Request) string {
	if req.Method != MethodToolsCall {
		return req.Method
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return req.Method
	}
	return req.Method + ":" + p.Name
}
