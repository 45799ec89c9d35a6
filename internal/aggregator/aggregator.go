// Package aggregator merges every registered backend's capability set
// into one namespaced view. Tool names become
// "<service_name>/<tool_name>"; resource URIs become
// "<service_name>:::<original_uri>". Uninitialized services never appear
// in listings, even when their row exists.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/rs/zerolog/log"
)

var (
	ErrServiceNotFound = errors.New("aggregator: service not found")
	ErrBadToolName     = errors.New("aggregator: malformed namespaced tool name")
)

// cacheTTL is how long a capability snapshot stays fresh.
const cacheTTL = 5 * time.Minute

// ToolSeparator joins service name and tool name.
const ToolSeparator = "/"

// ResourceSeparator joins service name and resource URI.
const ResourceSeparator = ":::"

// Dispatcher hides the transport split: stdio children vs pooled HTTP
// clients. Implemented by transportDispatcher; faked in tests.
type Dispatcher interface {
	// Initialize brings the backend up (spawn for stdio) and runs the
	// initialize / notifications-initialized handshake.
	Initialize(ctx context.Context, svc db.Service) (*mcp.InitializeResult, error)
	// Send forwards one JSON-RPC request to the live backend.
	Send(ctx context.Context, svc db.Service, req mcp.Request) (*mcp.Response, error)
}

// Mirror persists capability snapshots for restart warm-start; backed by
// internal/db's cached_* tables.
type Mirror interface {
	CacheServiceTools(serviceID string, tools []mcp.Tool) error
	GetCachedServiceTools(serviceID string) ([]mcp.Tool, time.Time, error)
	CacheServiceResources(serviceID string, resources []mcp.Resource) error
	GetCachedServiceResources(serviceID string) ([]mcp.Resource, time.Time, error)
	CacheServicePrompts(serviceID string, prompts []mcp.Prompt) error
	GetCachedServicePrompts(serviceID string) ([]mcp.Prompt, time.Time, error)
}

// ServiceCache is one backend's capability snapshot.
type ServiceCache struct {
	Capabilities mcp.Capabilities
	Tools        []mcp.Tool
	Resources    []mcp.Resource
	Prompts      []mcp.Prompt
	Initialized  bool
	LastUpdated  time.Time
	Err          string
}

type entry struct {
	service db.Service
	cache   ServiceCache
}

// Aggregator is safe for concurrent use: listings and dispatch take the
// read lock, refresh/update/remove take the write lock.
type Aggregator struct {
	dispatcher Dispatcher
	mirror     Mirror

	mu      sync.RWMutex
	entries map[string]*entry // by service id
	byName  map[string]string // service name -> id

	nowFn func() time.Time
}

func New(dispatcher Dispatcher, mirror Mirror) *Aggregator {
	return &Aggregator{
		dispatcher: dispatcher,
		mirror:     mirror,
		entries:    make(map[string]*entry),
		byName:     make(map[string]string),
		nowFn:      time.Now,
	}
}

// RegisterService adds or replaces a service row without touching its
// capability cache. Call RefreshService to initialize it.
func (a *Aggregator) RegisterService(svc db.Service) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.entries[svc.ID]; ok && old.service.Name != svc.Name {
		delete(a.byName, old.service.Name)
	}
	e, ok := a.entries[svc.ID]
	if !ok {
		e = &entry{}
		a.entries[svc.ID] = e
	}
	e.service = svc
	a.byName[svc.Name] = svc.ID
}

// UpdateService keeps the cache coherent with a config edit: the service
// row is replaced and the cache is invalidated so the next refresh
// re-initializes against the new configuration.
func (a *Aggregator) UpdateService(svc db.Service) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.entries[svc.ID]; ok && old.service.Name != svc.Name {
		delete(a.byName, old.service.Name)
	}
	a.entries[svc.ID] = &entry{service: svc}
	a.byName[svc.Name] = svc.ID
}

// RemoveService drops the service and its cache.
func (a *Aggregator) RemoveService(serviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[serviceID]; ok {
		delete(a.byName, e.service.Name)
		delete(a.entries, serviceID)
	}
}

// Services returns the registered service rows.
func (a *Aggregator) Services() []db.Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]db.Service, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.service)
	}
	return out
}

// GetCache returns a copy of the service's capability snapshot.
func (a *Aggregator) GetCache(serviceID string) (ServiceCache, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[serviceID]
	if !ok {
		return ServiceCache{}, false
	}
	return e.cache, true
}

// RefreshService re-runs the initialize handshake and capability lists
// for one service and overwrites its cache. List failures yield empty
// arrays, never errors.
func (a *Aggregator) RefreshService(ctx context.Context, serviceID string) error {
	a.mu.RLock()
	e, ok := a.entries[serviceID]
	a.mu.RUnlock()
	if !ok {
		return ErrServiceNotFound
	}
	svc := e.service
	if !svc.Enabled {
		a.setCache(serviceID, ServiceCache{Err: "service disabled", LastUpdated: a.nowFn()})
		return nil
	}

	initResult, err := a.dispatcher.Initialize(ctx, svc)
	if err != nil {
		a.setCache(serviceID, ServiceCache{Err: err.Error(), LastUpdated: a.nowFn()})
		return err
	}

	cache := ServiceCache{
		Capabilities: initResult.Capabilities,
		Tools:        listCapability(ctx, a, svc, "tools/list", decodeTools),
		Resources:    listCapability(ctx, a, svc, "resources/list", decodeResources),
		Prompts:      listCapability(ctx, a, svc, "prompts/list", decodePrompts),
		Initialized:  true,
		LastUpdated:  a.nowFn(),
	}
	a.setCache(serviceID, cache)

	if a.mirror != nil {
		if err := a.mirror.CacheServiceTools(serviceID, cache.Tools); err != nil {
			log.Warn().Err(err).Str("serviceID", serviceID).Msg("tool cache mirror write failed")
		}
		_ = a.mirror.CacheServiceResources(serviceID, cache.Resources)
		_ = a.mirror.CacheServicePrompts(serviceID, cache.Prompts)
	}

	log.Debug().Str("service", svc.Name).
		Int("tools", len(cache.Tools)).Int("resources", len(cache.Resources)).Int("prompts", len(cache.Prompts)).
		Msg("service capabilities refreshed")
	return nil
}

func (a *Aggregator) setCache(serviceID string, cache ServiceCache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[serviceID]; ok {
		e.cache = cache
	}
}

type capDecoder[T any] func(raw json.RawMessage) []T

// listCapability runs one */list request; absent or failed lists are
// empty arrays, never errors.
func listCapability[T any](ctx context.Context, a *Aggregator, svc db.Service, method string, decode capDecoder[T]) []T {
	resp, err := a.dispatcher.Send(ctx, svc, mcp.Request{JSONRPC: "2.0", ID: nextRequestID(), Method: method})
	if err != nil || resp == nil || resp.Error != nil || resp.Result == nil {
		return nil
	}
	return decode(resp.Result)
}

func decodeTools(raw json.RawMessage) []mcp.Tool {
	var r mcp.ListToolsResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return r.Tools
}

func decodeResources(raw json.RawMessage) []mcp.Resource {
	var r mcp.ListResourcesResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return r.Resources
}

func decodePrompts(raw json.RawMessage) []mcp.Prompt {
	var r mcp.ListPromptsResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return r.Prompts
}

