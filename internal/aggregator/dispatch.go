package aggregator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/oauth"
	"github.com/mantragw/mantra-gateway/internal/process"
	"github.com/mantragw/mantra-gateway/internal/transport"
)

// clientVersion identifies the gateway to backends during initialize.
var clientVersion = "dev"

// SetClientVersion stamps the build version used in clientInfo.
func SetClientVersion(v string) {
	if v != "" {
		clientVersion = v
	}
}

// TransportDispatcher routes requests to stdio children or pooled HTTP
// clients depending on the service's transport, wiring OAuth refresh
// through the retrying forwarder for HTTP backends.
type TransportDispatcher struct {
	procs     *process.Manager
	pool      *transport.Pool
	tokens    transport.TokenSource
	refresher transport.TokenRefresher
	hasToken  func(serviceID string) bool
	lookup    process.EnvLookup
}

func NewTransportDispatcher(procs *process.Manager, pool *transport.Pool,
	tokens transport.TokenSource, refresher transport.TokenRefresher,
	hasToken func(serviceID string) bool, lookup process.EnvLookup) *TransportDispatcher {
	return &TransportDispatcher{
		procs:     procs,
		pool:      pool,
		tokens:    tokens,
		refresher: refresher,
		hasToken:  hasToken,
		lookup:    lookup,
	}
}

func (d *TransportDispatcher) Initialize(ctx context.Context, svc db.Service) (*mcp.InitializeResult, error) {
	params, err := json.Marshal(mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: "mantra-gateway", Version: clientVersion},
	})
	if err != nil {
		return nil, err
	}
	req := mcp.Request{JSONRPC: "2.0", ID: nextRequestID(), Method: "initialize", Params: params}

	var resp *mcp.Response
	switch svc.Transport {
	case db.TransportStdio:
		if err := d.procs.GetOrSpawn(ctx, svc, d.lookup); err != nil {
			return nil, err
		}
		resp, err = d.procs.SendRequest(ctx, svc.ID, req)
		if err != nil {
			return nil, err
		}
		if err := d.procs.SendNotification(svc.ID, "notifications/initialized", nil); err != nil {
			return nil, err
		}
	case db.TransportHTTP:
		client := d.httpClient(svc)
		resp, err = client.SendRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		_ = client.SendNotification(ctx, "notifications/initialized", nil)
	default:
		return nil, fmt.Errorf("aggregator: unknown transport %q", svc.Transport)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("aggregator: initialize failed: %s", resp.Error.Message)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("aggregator: decode initialize result: %w", err)
	}
	return &result, nil
}

func (d *TransportDispatcher) Send(ctx context.Context, svc db.Service, req mcp.Request) (*mcp.Response, error) {
	switch svc.Transport {
	case db.TransportStdio:
		return d.procs.SendRequest(ctx, svc.ID, req)
	case db.TransportHTTP:
		forwarder := transport.NewRetryingForwarder(d.httpClient(svc), d.refresher, 1)
		return forwarder.ForwardWithRetry(ctx, req)
	default:
		return nil, fmt.Errorf("aggregator: unknown transport %q", svc.Transport)
	}
}

// httpClient builds (or reuses) the pooled client for an HTTP backend,
// deriving the Auth variant from the service's headers blob.
func (d *TransportDispatcher) httpClient(svc db.Service) *transport.Client {
	// Authorization is derived into the Auth variant, and the reserved
	// OAuth-config blob never reaches the wire.
	headers := make(map[string]string, len(svc.Headers))
	for k, v := range svc.Headers {
		if k == "Authorization" || k == oauth.OAuthHeaderKey {
			continue
		}
		headers[k] = v
	}
	return d.pool.GetOrCreate(transport.ClientOptions{
		ServiceID: svc.ID,
		BaseURL:   svc.URL,
		Headers:   headers,
		Auth:      AuthFromService(svc, d.hasToken != nil && d.hasToken(svc.ID)),
		Tokens:    d.tokens,
		Lookup:    transport.EnvLookup(d.lookup),
	})
}

// AuthFromService derives the transport Auth variant for a service. An
// explicit Authorization header wins as a static bearer; a service with a
// stored OAuth token (oauthAvailable) uses managed OAuth; anything else
// is unauthenticated with its static headers passed through.
func AuthFromService(svc db.Service, oauthAvailable bool) transport.Auth {
	if auth, ok := svc.Headers["Authorization"]; ok {
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) && auth[:len(bearerPrefix)] == bearerPrefix {
			return transport.Auth{Kind: transport.AuthBearer, Token: auth[len(bearerPrefix):]}
		}
	}
	if oauthAvailable {
		return transport.Auth{Kind: transport.AuthOAuth}
	}
	return transport.Auth{Kind: transport.AuthNone}
}

// StopBackend tears down the live transport for a service: stdio children
// are killed, HTTP clients dropped from the pool.
func (d *TransportDispatcher) StopBackend(svc db.Service) {
	switch svc.Transport {
	case db.TransportStdio:
		_ = d.procs.Stop(svc.ID)
	case db.TransportHTTP:
		d.pool.Remove(svc.ID)
	}
}
