// Package registry holds the set of capabilities the gateway exposes and
// answers enablement questions about them.
package registry

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handler executes a capability. It is always invoked on the host loop.
type Handler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// CapabilityDescriptor describes one named capability.
type CapabilityDescriptor struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
	Handler     Handler
	// Enabled is filled in by List and Resolve from the enablement store.
	Enabled bool
}

// Tool returns the wire shape used by tools/list.
func (d *CapabilityDescriptor) Tool() mcp.Tool {
	schema := d.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

// HandlerSet supplies the default capabilities registered by RebuildAll.
type HandlerSet interface {
	Capabilities() []CapabilityDescriptor
}

// HandlerSetFunc adapts a function to HandlerSet.
type HandlerSetFunc func() []CapabilityDescriptor

// Capabilities calls f.
func (f HandlerSetFunc) Capabilities() []CapabilityDescriptor {
	return f()
}

// EnablementStore reports whether a capability is switched on.
type EnablementStore interface {
	IsEnabled(ctx context.Context, name string) (bool, error)
}

// Error codes carried by RegistryError.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeDisabled        = "DISABLED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

// RegistryError is a structured error from the registry.
type RegistryError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(code, message string) *RegistryError {
	return &RegistryError{Code: code, Message: message}
}
