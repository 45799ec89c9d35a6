// Package policy resolves the effective ToolPolicy for a (project,
// service) pair with a three-level fallback: project override,
// then service default, then system-wide AllowAll.
package policy

import (
	"encoding/json"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/mantragw/mantra-gateway/internal/db"
)

// Store is the subset of db queries the resolver needs. Both are
// single-row lookups; GetPolicies issues them once per service id.
type Store interface {
	GetService(id string) (*db.Service, error)
	GetProjectServiceOverride(projectID, serviceID string) (*db.ProjectServiceLink, error)
}

// Resolver evaluates tool policies against the store.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// GetPolicy returns the effective policy for one service. projectID may be
// empty when the session has no project context, which skips level one.
func (r *Resolver) GetPolicy(projectID, serviceID string) db.ToolPolicy {
	if projectID != "" {
		if p, ok := r.projectOverride(projectID, serviceID); ok {
			return p
		}
	}
	svc, err := r.store.GetService(serviceID)
	if err == nil && svc.DefaultToolPolicy != nil && svc.DefaultToolPolicy.Kind != db.PolicyInherit {
		return *svc.DefaultToolPolicy
	}
	return db.AllowAllPolicy()
}

// GetPolicies is the bulk form used on every tools/list. It resolves each
// id through GetPolicy in turn; the store lookups are not batched.
func (r *Resolver) GetPolicies(projectID string, serviceIDs []string) map[string]db.ToolPolicy {
	out := make(map[string]db.ToolPolicy, len(serviceIDs))
	for _, id := range serviceIDs {
		out[id] = r.GetPolicy(projectID, id)
	}
	return out
}

// projectOverride reads project_mcp_services.config_override.toolPolicy.
// Inherit (or absence) falls through to the next level.
func (r *Resolver) projectOverride(projectID, serviceID string) (db.ToolPolicy, bool) {
	link, err := r.store.GetProjectServiceOverride(projectID, serviceID)
	if err != nil || link.ConfigOverride == nil {
		return db.ToolPolicy{}, false
	}
	raw, ok := link.ConfigOverride["toolPolicy"]
	if !ok {
		return db.ToolPolicy{}, false
	}
	p, ok := decodePolicy(raw)
	if !ok || p.Kind == db.PolicyInherit {
		return db.ToolPolicy{}, false
	}
	return p, true
}

// decodePolicy accepts the two override encodings seen in config_override
// blobs: a bare string kind ("AllowAll"/"Inherit") or an object
// {"kind":"Custom","allowedTools":[...]}.
func decodePolicy(raw interface{}) (db.ToolPolicy, bool) {
	switch v := raw.(type) {
	case string:
		switch db.ToolPolicyKind(v) {
		case db.PolicyAllowAll:
			return db.AllowAllPolicy(), true
		case db.PolicyInherit:
			return db.InheritPolicy(), true
		}
		return db.ToolPolicy{}, false
	case map[string]interface{}:
		kind, _ := v["kind"].(string)
		switch db.ToolPolicyKind(kind) {
		case db.PolicyAllowAll:
			return db.AllowAllPolicy(), true
		case db.PolicyInherit:
			return db.InheritPolicy(), true
		case db.PolicyCustom:
			var tools []string
			if rawTools, ok := v["allowedTools"].([]interface{}); ok {
				for _, rt := range rawTools {
					if s, ok := rt.(string); ok {
						tools = append(tools, s)
					}
				}
			}
			return db.CustomPolicy(tools...), true
		}
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return db.ToolPolicy{}, false
		}
		return decodePolicy(decoded)
	}
	return db.ToolPolicy{}, false
}

// Allows reports whether policy admits the (original, un-namespaced) tool
// name. Custom entries may be wildcard patterns ("fs/*", "get_*").
func Allows(p db.ToolPolicy, toolName string) bool {
	switch p.Kind {
	case db.PolicyCustom:
		for pattern := range p.AllowedTools {
			if wildcard.Match(pattern, toolName) {
				return true
			}
		}
		return false
	default:
		// AllowAll, and the open-by-default case when no policy entry
		// exists for a service.
		return true
	}
}
