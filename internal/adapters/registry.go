package adapters

import "fmt"

// Registry is the ToolAdapterRegistry: one Adapter per assistant,
// looked up by id for scan/parse/inject/clear.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry builds the registry with the four built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		NewClaudeAdapter(),
		NewCursorAdapter(),
		NewCodexAdapter(),
		NewGeminiAdapter(),
	} {
		r.register(a)
	}
	return r
}

func (r *Registry) register(a Adapter) {
	r.adapters[a.ID()] = a
	r.order = append(r.order, a.ID())
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// MustGet panics if id is not registered; used at startup for internal
// callers that only ever pass known adapter ids.
func (r *Registry) MustGet(id string) Adapter {
	a, ok := r.adapters[id]
	if !ok {
		panic(fmt.Sprintf("adapters: unknown adapter %q", id))
	}
	return a
}

// All returns every registered adapter in registration order (Claude,
// Cursor, Codex, Gemini).
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Claude returns the Claude adapter specifically, typed, for callers that
// need its Local-scope-only methods (ListLocalScopeProjects etc).
func (r *Registry) Claude() *ClaudeAdapter {
	return r.MustGet(claudeAdapterID).(*ClaudeAdapter)
}
