// Package transport implements the HTTP backend client pool: one
// pooled client per backend URL with static headers baked in, typed auth
// injection, and a forwarder that retries exactly once per 401 after an
// OAuth refresh.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/rs/dnscache"
	"golang.org/x/time/rate"
)

var (
	ErrUnauthorized    = errors.New("transport: backend returned 401")
	ErrInvalidResponse = errors.New("transport: invalid backend response")
)

// DefaultRequestTimeout matches the stdio transport.
const DefaultRequestTimeout = 30 * time.Second

// AuthKind discriminates the AuthType union.
type AuthKind string

const (
	AuthNone   AuthKind = "None"
	AuthOAuth  AuthKind = "OAuth"
	AuthBearer AuthKind = "BearerToken"
	AuthAPIKey AuthKind = "ApiKey"
	AuthBasic  AuthKind = "BasicAuth"
)

// Auth is one variant of the typed AuthType. Token/Key/User/Pass
// values may contain "${env:VAR}" references, resolved per request.
type Auth struct {
	Kind       AuthKind
	Token      string // BearerToken
	HeaderName string // ApiKey
	Key        string // ApiKey
	User       string // BasicAuth
	Pass       string // BasicAuth
}

// EnvLookup resolves "${env:VAR}" references inside auth material.
type EnvLookup func(name string) (string, bool)

// TokenSource supplies a live OAuth access token for a service; backed by
// internal/oauth's Manager.GetValidToken.
type TokenSource interface {
	GetValidToken(ctx context.Context, serviceID string) (string, error)
}

// sharedResolver caches DNS answers across every backend client; SSE
// connections are long-lived, so re-resolving per dial is pure waste.
var sharedResolver = &dnscache.Resolver{}

func init() {
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			sharedResolver.Refresh(true)
		}
	}()
}

func newPooledHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := sharedResolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Client is one HTTP MCP backend: base URL, static headers, auth, and an
// outbound rate limit.
type Client struct {
	serviceID string
	baseURL   string
	headers   map[string]string
	auth      Auth

	http    *http.Client
	limiter *rate.Limiter

	tokens TokenSource
	lookup EnvLookup
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	ServiceID string
	BaseURL   string
	Headers   map[string]string
	Auth      Auth
	Tokens    TokenSource
	Lookup    EnvLookup
	Timeout   time.Duration
	// RequestsPerSecond caps outbound traffic to the backend; zero means
	// unlimited.
	RequestsPerSecond float64
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	return &Client{
		serviceID: opts.ServiceID,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		headers:   opts.Headers,
		auth:      opts.Auth,
		http:      newPooledHTTPClient(timeout),
		limiter:   limiter,
		tokens:    opts.Tokens,
		lookup:    opts.Lookup,
	}
}

// ServiceID identifies the backend this client serves.
func (c *Client) ServiceID() string { return c.serviceID }

// SendRequest POSTs one JSON-RPC request to <base>/message and decodes the
// response. A 401 surfaces as ErrUnauthorized so the forwarder can drive
// the refresh-and-retry loop.
func (c *Client) SendRequest(ctx context.Context, req mcp.Request) (*mcp.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if err := c.injectAuth(ctx, httpReq); err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.BackendRequestDuration.WithLabelValues("http", "network_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		metrics.BackendRequestDuration.WithLabelValues("http", "unauthorized").Observe(time.Since(start).Seconds())
		io.Copy(io.Discard, httpResp.Body)
		return nil, ErrUnauthorized
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		metrics.BackendRequestDuration.WithLabelValues("http", "http_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	var resp mcp.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.BackendRequestDuration.WithLabelValues("http", "invalid_response").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	metrics.BackendRequestDuration.WithLabelValues("http", "ok").Observe(time.Since(start).Seconds())
	return &resp, nil
}

// SendNotification POSTs a fire-and-forget notification; non-2xx status
// is ignored beyond logging by the caller.
func (c *Client) SendNotification(ctx context.Context, method string, params interface{}) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = b
	}
	_, err := c.SendRequest(ctx, mcp.Request{JSONRPC: "2.0", Method: method, Params: rawParams})
	if errors.Is(err, ErrInvalidResponse) {
		// Many servers return 202 with an empty body for notifications.
		return nil
	}
	return err
}

// injectAuth sets the auth header for one request.
func (c *Client) injectAuth(ctx context.Context, req *http.Request) error {
	switch c.auth.Kind {
	case "", AuthNone:
		return nil
	case AuthOAuth:
		if c.tokens == nil {
			return errors.New("transport: oauth configured without a token source")
		}
		token, err := c.tokens.GetValidToken(ctx, c.serviceID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.resolve(c.auth.Token))
	case AuthAPIKey:
		name := c.auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, c.resolve(c.auth.Key))
	case AuthBasic:
		creds := c.resolve(c.auth.User) + ":" + c.resolve(c.auth.Pass)
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	default:
		return fmt.Errorf("transport: unknown auth kind %q", c.auth.Kind)
	}
	return nil
}

var envAuthRefRe = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolve substitutes "${env:VAR}" references in auth material. An
// unresolvable reference is preserved verbatim, matching the spawn-time
// env rule.
func (c *Client) resolve(value string) string {
	return envAuthRefRe.ReplaceAllStringFunc(value, func(ref string) string {
		name := ref[len("${env:") : len(ref)-1]
		if c.lookup != nil {
			if v, ok := c.lookup(name); ok {
				return v
			}
		}
		return ref
	})
}

// Pool maps service ids to Clients, rebuilt when services change.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns the client for serviceID, if registered.
func (p *Pool) Get(serviceID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[serviceID]
	return c, ok
}

// GetOrCreate returns the registered client or builds one from opts.
func (p *Pool) GetOrCreate(opts ClientOptions) *Client {
	p.mu.RLock()
	c, ok := p.clients[opts.ServiceID]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[opts.ServiceID]; ok {
		return c
	}
	c = NewClient(opts)
	p.clients[opts.ServiceID] = c
	return c
}

// Remove drops the client for serviceID.
func (p *Pool) Remove(serviceID string) {
	p.mu.Lock()
	delete(p.clients, serviceID)
	p.mu.Unlock()
}
