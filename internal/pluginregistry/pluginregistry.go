// Package pluginregistry keys plugins by role. Single-slot roles resolve
// to whichever registered plugin has the highest priority; the two
// multi-slot roles (tool, function) keep every registration, each hook
// chain with its own priority ordering.
package pluginregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaykit/turnengine/pkg/models"
)

// Role classifies a plugin by the contract it fulfills.
type Role string

const (
	RoleAuth             Role = "auth"
	RoleStore            Role = "store"
	RoleHistory          Role = "history"
	RoleContext          Role = "context"
	RoleModel            Role = "model"
	RoleSystemPrompt     Role = "system_prompt"
	RoleMessageProcessor Role = "message_processor"
	RoleTool             Role = "tool"
	RoleFunction         Role = "function"
)

func singleSlot(r Role) bool {
	switch r {
	case RoleAuth, RoleStore, RoleHistory, RoleContext, RoleModel, RoleSystemPrompt, RoleMessageProcessor:
		return true
	default:
		return false
	}
}

// Plugin is the minimum any registered plugin must satisfy.
type Plugin interface {
	Name() string
	Priority() int
}

// Shutdowner is implemented by plugins with teardown work to await on
// process stop.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// CallParams is the per-turn mutable record middleware plugins operate
// on: Model and SystemPrompt act as single-element mutable cells, Tools
// as a mutable list. The orchestrator reads the post-middleware values.
type CallParams struct {
	UserID            string
	ThreadID          string
	TurnCorrelationID string
	NewMessage        string
	Model             *string
	SystemPrompt      *string
	Tools             []models.ToolSchema
}

// PreCallHook runs before the model is invoked. Returned strings are
// UI-visible progress lines streamed as tool_update events bound to a
// synthetic call id.
type PreCallHook interface {
	PreCall(ctx context.Context, params *CallParams) ([]string, error)
}

// FilterStreamHook transforms an emitted event and may contribute
// auxiliary lines of its own.
type FilterStreamHook interface {
	FilterStream(ctx context.Context, ev models.Event) (models.Event, []string, error)
}

// PostCallHook runs after the turn's model/tool loop has finished.
type PostCallHook interface {
	PostCall(ctx context.Context, params *CallParams) error
}

// Registry holds every registered plugin, keyed by role.
type Registry struct {
	mu         sync.RWMutex
	singleSlot map[Role]Plugin
	functions  []Plugin
	tools      map[string]Plugin
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		singleSlot: make(map[Role]Plugin),
		tools:      make(map[string]Plugin),
	}
}

// Register adds a plugin under role. Single-slot roles keep only the
// highest-priority registrant; ties favor whichever registered first.
// Unknown roles are rejected.
func (r *Registry) Register(role Role, p Plugin) error {
	if p == nil {
		return fmt.Errorf("pluginregistry: nil plugin for role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case singleSlot(role):
		if existing, ok := r.singleSlot[role]; !ok || p.Priority() > existing.Priority() {
			r.singleSlot[role] = p
		}
	case role == RoleFunction:
		r.functions = append(r.functions, p)
	case role == RoleTool:
		r.tools[p.Name()] = p
	default:
		return fmt.Errorf("pluginregistry: unknown role %q", role)
	}
	return nil
}

// Get returns the winning plugin for a single-slot role.
func (r *Registry) Get(role Role) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.singleSlot[role]
	return p, ok
}

func (r *Registry) sortedFunctions(descending bool) []Plugin {
	r.mu.RLock()
	fns := make([]Plugin, len(r.functions))
	copy(fns, r.functions)
	r.mu.RUnlock()

	sort.SliceStable(fns, func(i, j int) bool {
		if descending {
			return fns[i].Priority() > fns[j].Priority()
		}
		return fns[i].Priority() < fns[j].Priority()
	})
	return fns
}

// PreCallChain returns function plugins implementing PreCallHook,
// highest priority first.
func (r *Registry) PreCallChain() []PreCallHook {
	var out []PreCallHook
	for _, p := range r.sortedFunctions(true) {
		if h, ok := p.(PreCallHook); ok {
			out = append(out, h)
		}
	}
	return out
}

// FilterStreamChain returns function plugins implementing FilterStreamHook,
// lowest priority first, so transforms layer outwards.
func (r *Registry) FilterStreamChain() []FilterStreamHook {
	var out []FilterStreamHook
	for _, p := range r.sortedFunctions(false) {
		if h, ok := p.(FilterStreamHook); ok {
			out = append(out, h)
		}
	}
	return out
}

// PostCallChain returns function plugins implementing PostCallHook,
// lowest priority first.
func (r *Registry) PostCallChain() []PostCallHook {
	var out []PostCallHook
	for _, p := range r.sortedFunctions(false) {
		if h, ok := p.(PostCallHook); ok {
			out = append(out, h)
		}
	}
	return out
}

// Tool returns a registered tool-role plugin by name.
func (r *Registry) Tool(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.tools[name]
	return p, ok
}

// Tools returns every registered tool-role plugin.
func (r *Registry) Tools() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.tools))
	for _, p := range r.tools {
		out = append(out, p)
	}
	return out
}

// Shutdown awaits every registered plugin's Shutdown hook, in no
// particular order, collecting every error rather than stopping at the
// first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	all := make([]Plugin, 0, len(r.singleSlot)+len(r.functions)+len(r.tools))
	for _, p := range r.singleSlot {
		all = append(all, p)
	}
	all = append(all, r.functions...)
	for _, p := range r.tools {
		all = append(all, p)
	}
	r.mu.RUnlock()

	var errs []error
	for _, p := range all {
		if s, ok := p.(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("pluginregistry: %d plugin(s) failed to shut down: %v", len(errs), errs)
}
