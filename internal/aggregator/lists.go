package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/policy"
	"github.com/rs/zerolog/log"
)

// requestCounter issues backend-facing JSON-RPC ids. Gateway-side ids are
// never forwarded verbatim: each backend sees its own id space.
var requestCounter atomic.Int64

func nextRequestID() int64 { return requestCounter.Add(1) }

// ListTools returns the namespaced union of tools from every initialized
// service, filtered through policies (keyed by service id). A service
// with no policy entry passes through unchanged. allowedServices,
// when non-nil, is the strict-mode service-id set.
func (a *Aggregator) ListTools(policies map[string]db.ToolPolicy, allowedServices map[string]struct{}) []mcp.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []mcp.Tool
	for id, e := range a.entries {
		if !e.cache.Initialized {
			continue
		}
		if allowedServices != nil {
			if _, ok := allowedServices[id]; !ok {
				continue
			}
		}
		pol, hasPolicy := policies[id]
		for _, tool := range e.cache.Tools {
			if hasPolicy && !policy.Allows(pol, tool.Name) {
				continue
			}
			namespaced := tool
			namespaced.Name = e.service.Name + ToolSeparator + tool.Name
			out = append(out, namespaced)
		}
	}
	return out
}

// ListResources returns the namespaced union of resources. Resources are
// not policy-filtered in this revision.
func (a *Aggregator) ListResources(allowedServices map[string]struct{}) []mcp.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []mcp.Resource
	for id, e := range a.entries {
		if !e.cache.Initialized {
			continue
		}
		if allowedServices != nil {
			if _, ok := allowedServices[id]; !ok {
				continue
			}
		}
		for _, res := range e.cache.Resources {
			namespaced := res
			namespaced.URI = e.service.Name + ResourceSeparator + res.URI
			out = append(out, namespaced)
		}
	}
	return out
}

// ListPrompts returns the namespaced union of prompts.
func (a *Aggregator) ListPrompts(allowedServices map[string]struct{}) []mcp.Prompt {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []mcp.Prompt
	for id, e := range a.entries {
		if !e.cache.Initialized {
			continue
		}
		if allowedServices != nil {
			if _, ok := allowedServices[id]; !ok {
				continue
			}
		}
		for _, p := range e.cache.Prompts {
			namespaced := p
			namespaced.Name = e.service.Name + ToolSeparator + p.Name
			out = append(out, namespaced)
		}
	}
	return out
}

// resolveTool splits a namespaced tool name on its first separator and
// resolves the owning service.
func (a *Aggregator) resolveTool(namespaced string) (db.Service, string, error) {
	i := strings.Index(namespaced, ToolSeparator)
	if i <= 0 || i == len(namespaced)-1 {
		return db.Service{}, "", fmt.Errorf("%w: %q", ErrBadToolName, namespaced)
	}
	serviceName, toolName := namespaced[:i], namespaced[i+1:]

	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byName[serviceName]
	if !ok {
		return db.Service{}, "", fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}
	return a.entries[id].service, toolName, nil
}

// ResolveTool exposes namespaced-name resolution for callers that need
// the owning service before dispatch (strict-mode checks).
func (a *Aggregator) ResolveTool(namespaced string) (db.Service, string, error) {
	return a.resolveTool(namespaced)
}

// CallTool dispatches a namespaced tool call to the owning backend and
// returns the backend's raw response.
func (a *Aggregator) CallTool(ctx context.Context, namespacedName string, arguments map[string]interface{}) (*mcp.Response, error) {
	svc, toolName, err := a.resolveTool(namespacedName)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(mcp.CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Send(ctx, svc, mcp.Request{
		JSONRPC: "2.0", ID: nextRequestID(), Method: "tools/call", Params: params,
	})
}

// ReadResource dispatches a namespaced resource read.
func (a *Aggregator) ReadResource(ctx context.Context, namespacedURI string) (*mcp.Response, error) {
	i := strings.Index(namespacedURI, ResourceSeparator)
	if i <= 0 {
		return nil, fmt.Errorf("%w: resource uri %q", ErrBadToolName, namespacedURI)
	}
	serviceName, uri := namespacedURI[:i], namespacedURI[i+len(ResourceSeparator):]

	a.mu.RLock()
	id, ok := a.byName[serviceName]
	var svc db.Service
	if ok {
		svc = a.entries[id].service
	}
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}

	params, err := json.Marshal(mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Send(ctx, svc, mcp.Request{
		JSONRPC: "2.0", ID: nextRequestID(), Method: "resources/read", Params: params,
	})
}

// GetPrompt dispatches a namespaced prompt fetch.
func (a *Aggregator) GetPrompt(ctx context.Context, namespacedName string, arguments map[string]string) (*mcp.Response, error) {
	svc, promptName, err := a.resolveTool(namespacedName)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(mcp.GetPromptParams{Name: promptName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Send(ctx, svc, mcp.Request{
		JSONRPC: "2.0", ID: nextRequestID(), Method: "prompts/get", Params: params,
	})
}

// WarmStart seeds capability caches from the mirror before the first live
// refresh. Warm-started entries stay uninitialized: they never serve
// listings, but the data is there for the inspector, and their mirrored
// timestamp lets the stale sweep pick them up.
func (a *Aggregator) WarmStart() {
	if a.mirror == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.entries {
		if tools, at, err := a.mirror.GetCachedServiceTools(id); err == nil {
			e.cache.Tools = tools
			e.cache.LastUpdated = at
		}
		if resources, _, err := a.mirror.GetCachedServiceResources(id); err == nil {
			e.cache.Resources = resources
		}
		if prompts, _, err := a.mirror.GetCachedServicePrompts(id); err == nil {
			e.cache.Prompts = prompts
		}
	}
}

// RefreshAll refreshes every registered service, logging failures rather
// than stopping.
func (a *Aggregator) RefreshAll(ctx context.Context) {
	for _, svc := range a.Services() {
		if err := a.RefreshService(ctx, svc.ID); err != nil {
			log.Warn().Err(err).Str("service", svc.Name).Msg("service refresh failed")
		}
	}
}

// RunStaleSweeper periodically re-refreshes services whose cache is older
// than the TTL, keeping warm-started and long-lived caches from going
// silently stale.
func (a *Aggregator) RunStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshStale(ctx)
		}
	}
}

func (a *Aggregator) refreshStale(ctx context.Context) {
	cutoff := a.nowFn().Add(-cacheTTL)
	a.mu.RLock()
	var stale []string
	for id, e := range a.entries {
		if e.service.Enabled && e.cache.LastUpdated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	a.mu.RUnlock()
	for _, id := range stale {
		if err := a.RefreshService(ctx, id); err != nil {
			log.Debug().Err(err).Str("serviceID", id).Msg("stale refresh failed")
		}
	}
}
