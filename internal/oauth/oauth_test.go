package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	tokens map[string]db.OAuthToken
}

func newMemRepo() *memRepo { return &memRepo{tokens: make(map[string]db.OAuthToken)} }

func (r *memRepo) UpsertOAuthToken(t db.OAuthToken) error {
	r.tokens[t.ServiceID] = t
	return nil
}

func (r *memRepo) GetOAuthToken(serviceID string) (*db.OAuthToken, error) {
	t, ok := r.tokens[serviceID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &t, nil
}

func (r *memRepo) DeleteOAuthToken(serviceID string) error {
	delete(r.tokens, serviceID)
	return nil
}

func newTestManager(t *testing.T, repo TokenRepo, configs ConfigSource) *Manager {
	t.Helper()
	store, err := crypto.NewTokenStoreAt(t.TempDir())
	require.NoError(t, err)
	return NewManager(repo, store, configs)
}

// tokenServer fakes the provider's token endpoint, recording grant types.
type tokenServer struct {
	*httptest.Server
	exchanges atomic.Int32
	refreshes atomic.Int32
	verifier  atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			ts.exchanges.Add(1)
			ts.verifier.Store(r.Form.Get("code_verifier"))
		case "refresh_token":
			ts.refreshes.Add(1)
			require.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("access-%d", ts.exchanges.Load()+ts.refreshes.Load()),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read write",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStartFlowAuthorizationURL(t *testing.T) {
	m := newTestManager(t, newMemRepo(), nil)
	cfg := Config{
		ClientID:     "client-1",
		AuthorizeURL: "https://auth.example.com/authorize",
		TokenURL:     "https://auth.example.com/token",
		Scopes:       []string{"read", "write"},
	}
	h, err := m.StartFlow("svc", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.reapAllForTest() })

	u, err := url.Parse(h.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Equal(t, h.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/oauth/callback", h.CallbackPort), q.Get("redirect_uri"))
	assert.Equal(t, 1, m.PendingFlows())
}

func (m *Manager) reapAllForTest() {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[string]*flowState)
	m.mu.Unlock()
	for _, fs := range flows {
		fs.server.Close()
	}
}

func TestCallbackServerDeliversResult(t *testing.T) {
	m := newTestManager(t, newMemRepo(), nil)
	cfg := Config{ClientID: "c", AuthorizeURL: "https://a.example/auth", TokenURL: "https://a.example/token"}
	h, err := m.StartFlow("svc", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.reapAllForTest() })

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth/callback?code=abc&state=%s", h.CallbackPort, h.State))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case res := <-h.Result:
		assert.Equal(t, "abc", res.Code)
		assert.Equal(t, h.State, res.State)
		assert.False(t, res.Denied())
	case <-time.After(3 * time.Second):
		t.Fatal("no callback result delivered")
	}
}

func TestCallbackServerDeliversDenial(t *testing.T) {
	m := newTestManager(t, newMemRepo(), nil)
	h, err := m.StartFlow("svc", Config{ClientID: "c", AuthorizeURL: "https://a/auth", TokenURL: "https://a/token"})
	require.NoError(t, err)
	t.Cleanup(func() { m.reapAllForTest() })

	resp, err := http.Get(fmt.Sprintf(
		"http://127.0.0.1:%d/oauth/callback?error=access_denied&error_description=nope&state=%s",
		h.CallbackPort, h.State))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	res := <-h.Result
	assert.True(t, res.Denied())
	assert.Equal(t, "access_denied", res.Err)
	assert.Equal(t, "nope", res.ErrDescription)
}

func TestHandleCallbackExchangesAndStores(t *testing.T) {
	provider := newTokenServer(t)
	repo := newMemRepo()
	m := newTestManager(t, repo, nil)
	cfg := Config{ClientID: "c", AuthorizeURL: provider.URL + "/auth", TokenURL: provider.URL}

	h, err := m.StartFlow("svc", cfg)
	require.NoError(t, err)

	require.NoError(t, m.HandleCallback(context.Background(), cfg, "the-code", h.State))
	assert.Equal(t, int32(1), provider.exchanges.Load())
	assert.Equal(t, 0, m.PendingFlows())

	row, err := repo.GetOAuthToken("svc")
	require.NoError(t, err)
	assert.NotEmpty(t, row.EncryptedAccessToken)
	assert.NotEmpty(t, row.EncryptedRefreshToken)
	assert.Equal(t, []string{"read", "write"}, row.Scopes)
	require.NotNil(t, row.ExpiresAt)

	// The stored blob is sealed, not plaintext.
	assert.NotContains(t, row.EncryptedAccessToken, "access-")

	// The verifier sent to the provider hashes to the challenge advertised
	// in the authorization URL.
	sentVerifier, _ := provider.verifier.Load().(string)
	require.NotEmpty(t, sentVerifier)
	u, _ := url.Parse(h.AuthorizationURL)
	sum := sha256.Sum256([]byte(sentVerifier))
	assert.Equal(t, u.Query().Get("code_challenge"), base64.RawURLEncoding.EncodeToString(sum[:]))
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	m := newTestManager(t, newMemRepo(), nil)
	cfg := Config{ClientID: "c", AuthorizeURL: "https://a/auth", TokenURL: "https://a/token"}
	h, err := m.StartFlow("svc", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.reapAllForTest() })

	err = m.HandleCallback(context.Background(), cfg, "code", "wrong-state")
	assert.ErrorIs(t, err, ErrStateMismatch)
	// The legitimate pending flow survives a mismatched callback.
	assert.Equal(t, 1, m.PendingFlows())
	_ = h
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	provider := newTokenServer(t)
	repo := newMemRepo()
	cfg := &Config{ClientID: "c", AuthorizeURL: provider.URL + "/auth", TokenURL: provider.URL}
	m := newTestManager(t, repo, func(string) (*Config, error) { return cfg, nil })

	// Seed a token expiring inside the skew window.
	soon := time.Now().Add(30 * time.Second).UTC()
	access, _ := m.store.SealString("old-access")
	refresh, _ := m.store.SealString("refresh-1")
	require.NoError(t, repo.UpsertOAuthToken(db.OAuthToken{
		ServiceID: "svc", EncryptedAccessToken: access, EncryptedRefreshToken: refresh,
		TokenType: "Bearer", ExpiresAt: &soon,
	}))

	tok, err := m.GetValidToken(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.refreshes.Load())
	assert.NotEqual(t, "old-access", tok)
}

func TestGetValidTokenFreshTokenNoRefresh(t *testing.T) {
	provider := newTokenServer(t)
	repo := newMemRepo()
	m := newTestManager(t, repo, func(string) (*Config, error) {
		return &Config{TokenURL: provider.URL}, nil
	})

	later := time.Now().Add(time.Hour).UTC()
	access, _ := m.store.SealString("live-access")
	require.NoError(t, repo.UpsertOAuthToken(db.OAuthToken{
		ServiceID: "svc", EncryptedAccessToken: access, TokenType: "Bearer", ExpiresAt: &later,
	}))

	tok, err := m.GetValidToken(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, "live-access", tok)
	assert.Equal(t, int32(0), provider.refreshes.Load())
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	repo := newMemRepo()
	m := newTestManager(t, repo, func(string) (*Config, error) { return &Config{}, nil })
	access, _ := m.store.SealString("a")
	require.NoError(t, repo.UpsertOAuthToken(db.OAuthToken{ServiceID: "svc", EncryptedAccessToken: access, TokenType: "Bearer"}))

	assert.ErrorIs(t, m.RefreshToken(context.Background(), "svc"), ErrTokenExpiredNoRefresh)
}

func TestDisconnectDeletesLocalTokenAndRevokes(t *testing.T) {
	var revoked atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.Form.Get("token"))
		revoked.Add(1)
	}))
	t.Cleanup(provider.Close)

	repo := newMemRepo()
	cfg := &Config{ClientID: "c", RevokeURL: provider.URL}
	m := newTestManager(t, repo, func(string) (*Config, error) { return cfg, nil })

	access, _ := m.store.SealString("tok")
	require.NoError(t, repo.UpsertOAuthToken(db.OAuthToken{ServiceID: "svc", EncryptedAccessToken: access, TokenType: "Bearer"}))

	require.NoError(t, m.Disconnect(context.Background(), "svc"))
	assert.Equal(t, int32(1), revoked.Load())
	assert.False(t, m.HasToken("svc"))
}

func TestReapStaleFlows(t *testing.T) {
	m := newTestManager(t, newMemRepo(), nil)
	_, err := m.StartFlow("svc", Config{ClientID: "c", AuthorizeURL: "https://a/auth", TokenURL: "https://a/token"})
	require.NoError(t, err)

	m.nowFn = func() time.Time { return time.Now().Add(flowTTL + time.Minute) }
	m.reapStaleFlows()
	assert.Equal(t, 0, m.PendingFlows())
}

func TestDiscoverEndpoints(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/oauth-authorization-server", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": "https://a.example/authorize",
			"token_endpoint":         "https://a.example/token",
			"revocation_endpoint":    "https://a.example/revoke",
		})
	}))
	t.Cleanup(provider.Close)

	got := DiscoverEndpoints(context.Background(), provider.URL, Config{ClientID: "c"})
	assert.Equal(t, "https://a.example/authorize", got.AuthorizeURL)
	assert.Equal(t, "https://a.example/token", got.TokenURL)
	assert.Equal(t, "https://a.example/revoke", got.RevokeURL)
}

func TestDiscoverEndpointsKeepsExplicitConfig(t *testing.T) {
	cfg := Config{AuthorizeURL: "https://explicit/auth", TokenURL: "https://explicit/token"}
	got := DiscoverEndpoints(context.Background(), "http://127.0.0.1:1", cfg)
	assert.Equal(t, cfg, got)
}

func TestGeneratePKCEUnique(t *testing.T) {
	a, err := GeneratePKCE()
	require.NoError(t, err)
	b, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, a.Verifier, b.Verifier)

	sum := sha256.Sum256([]byte(a.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), a.Challenge)
}
