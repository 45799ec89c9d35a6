package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoBackend(t *testing.T, onRequest func(r *http.Request) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			if status := onRequest(r); status != 0 {
				w.WriteHeader(status)
				return
			}
		}
		var req mcp.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, _ := json.Marshal(map[string]string{"echo": req.Method})
		resp := mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: result}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendRequestRoundTrip(t *testing.T) {
	var gotPath string
	srv := echoBackend(t, func(r *http.Request) int {
		gotPath = r.URL.Path
		return 0
	})
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL})

	resp, err := c.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	require.NoError(t, err)
	assert.Equal(t, "/message", gotPath)
	assert.Contains(t, string(resp.Result), "tools/list")
}

func TestStaticHeadersAndBearerAuth(t *testing.T) {
	var auth, custom string
	srv := echoBackend(t, func(r *http.Request) int {
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Custom")
		return 0
	})
	c := NewClient(ClientOptions{
		ServiceID: "svc",
		BaseURL:   srv.URL,
		Headers:   map[string]string{"X-Custom": "static"},
		Auth:      Auth{Kind: AuthBearer, Token: "${env:TOKEN}"},
		Lookup: func(name string) (string, bool) {
			if name == "TOKEN" {
				return "resolved-token", true
			}
			return "", false
		},
	})

	_, err := c.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer resolved-token", auth)
	assert.Equal(t, "static", custom)
}

func TestApiKeyAndBasicAuth(t *testing.T) {
	var apiKey, auth string
	srv := echoBackend(t, func(r *http.Request) int {
		apiKey = r.Header.Get("X-Api-Key")
		auth = r.Header.Get("Authorization")
		return 0
	})

	apiClient := NewClient(ClientOptions{ServiceID: "a", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthAPIKey, Key: "k123"}})
	_, err := apiClient.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "k123", apiKey)

	basicClient := NewClient(ClientOptions{ServiceID: "b", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthBasic, User: "user", Pass: "pass"}})
	_, err = basicClient.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 2, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpwYXNz", auth)
}

func TestUnresolvedEnvRefPreserved(t *testing.T) {
	var auth string
	srv := echoBackend(t, func(r *http.Request) int {
		auth = r.Header.Get("Authorization")
		return 0
	})
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthBearer, Token: "${env:MISSING}"}})

	_, err := c.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ${env:MISSING}", auth)
}

func Test401SurfacesAsErrUnauthorized(t *testing.T) {
	srv := echoBackend(t, func(r *http.Request) int { return http.StatusUnauthorized })
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL})

	_, err := c.SendRequest(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

type fakeOAuth struct {
	refreshes atomic.Int32
	token     atomic.Value
}

func (f *fakeOAuth) GetValidToken(ctx context.Context, serviceID string) (string, error) {
	if v, ok := f.token.Load().(string); ok {
		return v, nil
	}
	return "stale", nil
}

func (f *fakeOAuth) RefreshToken(ctx context.Context, serviceID string) error {
	f.refreshes.Add(1)
	f.token.Store("fresh")
	return nil
}

func TestForwarder401RefreshAndRetry(t *testing.T) {
	var calls atomic.Int32
	srv := echoBackend(t, func(r *http.Request) int {
		if calls.Add(1) == 1 {
			return http.StatusUnauthorized
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		return 0
	})

	oauth := &fakeOAuth{}
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthOAuth}, Tokens: oauth})
	f := NewRetryingForwarder(c, oauth, 3)

	resp, err := f.ForwardWithRetry(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(1), oauth.refreshes.Load(), "exactly one refresh")
	assert.Equal(t, int32(2), calls.Load(), "exactly one retry")
}

func TestForwarderNon401DoesNotRefresh(t *testing.T) {
	srv := echoBackend(t, func(r *http.Request) int { return http.StatusInternalServerError })
	oauth := &fakeOAuth{}
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthOAuth}, Tokens: oauth})
	f := NewRetryingForwarder(c, oauth, 3)

	_, err := f.ForwardWithRetry(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(0), oauth.refreshes.Load())
}

func TestForwarderRetriesBounded(t *testing.T) {
	srv := echoBackend(t, func(r *http.Request) int { return http.StatusUnauthorized })
	oauth := &fakeOAuth{}
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthOAuth}, Tokens: oauth})
	f := NewRetryingForwarder(c, oauth, 2)

	_, err := f.ForwardWithRetry(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), oauth.refreshes.Load())
}

func TestForwarderBearer401NoRefresh(t *testing.T) {
	srv := echoBackend(t, func(r *http.Request) int { return http.StatusUnauthorized })
	oauth := &fakeOAuth{}
	c := NewClient(ClientOptions{ServiceID: "svc", BaseURL: srv.URL,
		Auth: Auth{Kind: AuthBearer, Token: "t"}})
	f := NewRetryingForwarder(c, oauth, 3)

	_, err := f.ForwardWithRetry(context.Background(), mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(0), oauth.refreshes.Load())
}

func TestPoolGetOrCreateReuses(t *testing.T) {
	p := NewPool()
	c1 := p.GetOrCreate(ClientOptions{ServiceID: "svc", BaseURL: "http://127.0.0.1:1"})
	c2 := p.GetOrCreate(ClientOptions{ServiceID: "svc", BaseURL: "http://127.0.0.1:2"})
	assert.Same(t, c1, c2)

	p.Remove("svc")
	c3 := p.GetOrCreate(ClientOptions{ServiceID: "svc", BaseURL: "http://127.0.0.1:3"})
	assert.NotSame(t, c1, c3)
}
