package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
)

const logPrefix = "registry:registry"

// snapshot is an immutable view of the registry. Readers load it atomically,
// writers copy, modify and swap.
type snapshot struct {
	order  []string
	byName map[string]*CapabilityDescriptor
}

func emptySnapshot() *snapshot {
	return &snapshot{byName: map[string]*CapabilityDescriptor{}}
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		order:  make([]string, len(s.order)),
		byName: make(map[string]*CapabilityDescriptor, len(s.byName)),
	}
	copy(out.order, s.order)
	for k, v := range s.byName {
		out.byName[k] = v
	}
	return out
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Handlers HandlerSet
	Store    EnablementStore
}

// Registry maps capability names to descriptors.
type Registry struct {
	handlers HandlerSet
	store    EnablementStore

	// mu serializes writers; readers never take it.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry. Call RebuildAll to load the default set.
func NewRegistry(params NewRegistryParams) *Registry {
	r := &Registry{handlers: params.Handlers, store: params.Store}
	r.snap.Store(emptySnapshot())
	return r
}

// Register adds or replaces a capability.
func (r *Registry) Register(name, description string, schema mcp.ToolInputSchema, handler Handler) error {
	d := CapabilityDescriptor{Name: name, Description: description, InputSchema: schema, Handler: handler}
	if err := validate(&d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.snap.Load().clone()
	if _, exists := next.byName[name]; !exists {
		next.order = append(next.order, name)
	}
	next.byName[name] = &d
	r.snap.Store(next)

	slog.Debug(fmt.Sprintf("%s - Registered capability %s", logPrefix, name))
	return nil
}

// Unregister removes a capability. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return false
	}
	next := cur.clone()
	delete(next.byName, name)
	for i, n := range next.order {
		if n == name {
			next.order = append(next.order[:i], next.order[i+1:]...)
			break
		}
	}
	r.snap.Store(next)
	slog.Debug(fmt.Sprintf("%s - Unregistered capability %s", logPrefix, name))
	return true
}

// RebuildAll replaces the registry contents with the handler set's defaults.
// Readers see either the old set or the new one, never a mix.
func (r *Registry) RebuildAll(_ context.Context) (int, error) {
	if r.handlers == nil {
		return 0, fmt.Errorf("%s - no handler set configured", logPrefix)
	}
	caps := r.handlers.Capabilities()

	r.mu.Lock()
	defer r.mu.Unlock()
	next := &snapshot{
		order:  make([]string, 0, len(caps)),
		byName: make(map[string]*CapabilityDescriptor, len(caps)),
	}
	for i := range caps {
		d := caps[i]
		if err := validate(&d); err != nil {
			return 0, fmt.Errorf("%s - failed to rebuild: %w", logPrefix, err)
		}
		if _, dup := next.byName[d.Name]; dup {
			return 0, fmt.Errorf("%s - failed to rebuild: %w", logPrefix,
				NewRegistryError(CodeInvalidArgument, fmt.Sprintf("duplicate capability %q", d.Name)))
		}
		next.order = append(next.order, d.Name)
		next.byName[d.Name] = &d
	}

	r.snap.Store(next)

	slog.Info(fmt.Sprintf("%s - Registry rebuilt with %d capabilities", logPrefix, len(next.order)))
	return len(next.order), nil
}

// Lookup returns the descriptor for name regardless of enablement.
func (r *Registry) Lookup(name string) (*CapabilityDescriptor, error) {
	d, ok := r.snap.Load().byName[name]
	if !ok {
		return nil, NewRegistryError(CodeNotFound, fmt.Sprintf("Unknown tool: %s", name))
	}
	out := *d
	return &out, nil
}

// Resolve returns the descriptor for name if it exists and is enabled.
func (r *Registry) Resolve(ctx context.Context, name string) (*CapabilityDescriptor, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !r.IsEnabled(ctx, name) {
		return nil, NewRegistryError(CodeDisabled, fmt.Sprintf("Tool is disabled: %s", name))
	}
	d.Enabled = true
	return d, nil
}

// IsEnabled asks the enablement store. Store failures and a missing store
// both count as enabled.
func (r *Registry) IsEnabled(ctx context.Context, name string) bool {
	if r.store == nil {
		return true
	}
	enabled, err := r.store.IsEnabled(ctx, name)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - enablement lookup for %s failed, treating as enabled: %v", logPrefix, name, err))
		return true
	}
	return enabled
}

// List returns the enabled capabilities in registration order.
func (r *Registry) List(ctx context.Context) []CapabilityDescriptor {
	s := r.snap.Load()
	out := make([]CapabilityDescriptor, 0, len(s.order))
	for _, name := range s.order {
		if !r.IsEnabled(ctx, name) {
			continue
		}
		d := *s.byName[name]
		d.Enabled = true
		out = append(out, d)
	}
	return out
}

// All returns every registered capability with its enablement.
func (r *Registry) All(ctx context.Context) []CapabilityDescriptor {
	s := r.snap.Load()
	out := make([]CapabilityDescriptor, 0, len(s.order))
	for _, name := range s.order {
		d := *s.byName[name]
		d.Enabled = r.IsEnabled(ctx, name)
		out = append(out, d)
	}
	return out
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	return len(r.snap.Load().order)
}

func validate(d *CapabilityDescriptor) error {
	if d.Name == "" {
		return NewRegistryError(CodeInvalidArgument, "capability name is required")
	}
	if d.Handler == nil {
		return NewRegistryError(CodeInvalidArgument, fmt.Sprintf("capability %q has no handler", d.Name))
	}
	return nil
}
