// Package oauth implements the Authorization Code + PKCE flow: a
// loopback callback server for the browser leg, an encrypted token store,
// auto-refresh, and best-effort revocation on disconnect.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	ErrStateMismatch         = errors.New("oauth: state mismatch")
	ErrTokenExpiredNoRefresh = errors.New("oauth: token expired and no refresh token stored")
	ErrAuthorizationDenied   = errors.New("oauth: authorization denied")
	ErrNoToken               = errors.New("oauth: no token stored for service")
)

const (
	// refreshSkew refreshes tokens this close to expiry.
	refreshSkew = 60 * time.Second
	// flowTTL reaps pending flows abandoned in the browser.
	flowTTL = 10 * time.Minute
	// exchangeTimeout bounds the code-for-token POST.
	exchangeTimeout = 60 * time.Second
)

// Config is one service's OAuth client configuration.
type Config struct {
	ClientID     string
	ClientSecret string // empty for public clients
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	Scopes       []string
	// CallbackPort is the loopback port for redirect_uri; 0 lets the OS
	// assign one.
	CallbackPort int
}

// OAuthHeaderKey is the reserved headers-map key an HTTP service stores
// its JSON-encoded OAuth client configuration under. It never reaches the
// wire: the transport layer injects live tokens instead.
const OAuthHeaderKey = "X-Mantra-OAuth-Config"

// ConfigFromService decodes a service's OAuth configuration from its
// headers blob.
func ConfigFromService(svc *db.Service) (*Config, error) {
	raw, ok := svc.Headers[OAuthHeaderKey]
	if !ok {
		return nil, fmt.Errorf("oauth: service %q has no oauth configuration", svc.Name)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("oauth: decode oauth configuration: %w", err)
	}
	return &cfg, nil
}

// TokenRepo is the subset of db the manager persists through.
type TokenRepo interface {
	UpsertOAuthToken(t db.OAuthToken) error
	GetOAuthToken(serviceID string) (*db.OAuthToken, error)
	DeleteOAuthToken(serviceID string) error
}

// ConfigSource resolves a service id to its OAuth configuration, needed
// for refresh outside an interactive flow.
type ConfigSource func(serviceID string) (*Config, error)

// flowState is one pending interactive flow, keyed by CSRF state. Memory
// only; a crash simply forces the user to restart the flow.
type flowState struct {
	ID           string
	ServiceID    string
	Verifier     string
	State        string
	CreatedAt    time.Time
	CallbackPort int
	server       *callbackServer
}

// Manager drives flows and owns the sealed token rows.
type Manager struct {
	repo    TokenRepo
	store   *crypto.TokenStore
	configs ConfigSource

	mu    sync.Mutex
	flows map[string]*flowState

	// Swappable for tests.
	nowFn func() time.Time
}

func NewManager(repo TokenRepo, store *crypto.TokenStore, configs ConfigSource) *Manager {
	return &Manager{
		repo:    repo,
		store:   store,
		configs: configs,
		flows:   make(map[string]*flowState),
		nowFn:   time.Now,
	}
}

// FlowHandle is returned by StartFlow: the URL to open in a browser and
// the channel the callback result arrives on.
type FlowHandle struct {
	AuthorizationURL string
	State            string
	CallbackPort     int
	Result           <-chan CallbackResult
}

// StartFlow generates PKCE material and a state, starts the loopback
// callback server, and registers the pending flow.
func (m *Manager) StartFlow(serviceID string, cfg Config) (*FlowHandle, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	srv, err := newCallbackServer(cfg.CallbackPort)
	if err != nil {
		return nil, err
	}

	fs := &flowState{
		ID:           ulid.Make().String(),
		ServiceID:    serviceID,
		Verifier:     pkce.Verifier,
		State:        state,
		CreatedAt:    m.nowFn(),
		CallbackPort: srv.Port(),
		server:       srv,
	}
	m.mu.Lock()
	m.flows[state] = fs
	m.mu.Unlock()

	authURL, err := buildAuthorizationURL(cfg, state, pkce.Challenge, srv.Port())
	if err != nil {
		srv.Close()
		m.removeFlow(state)
		return nil, err
	}

	return &FlowHandle{
		AuthorizationURL: authURL,
		State:            state,
		CallbackPort:     srv.Port(),
		Result:           srv.Result(),
	}, nil
}

func buildAuthorizationURL(cfg Config, state, challenge string, port int) (string, error) {
	u, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("oauth: parse authorize url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI(port))
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redirectURI(port int) string {
	return fmt.Sprintf("http://localhost:%d/oauth/callback", port)
}

// HandleCallback completes the flow: verify state, exchange the code, and
// persist the sealed token. The pending flow entry is consumed either way.
func (m *Manager) HandleCallback(ctx context.Context, cfg Config, code, state string) error {
	m.mu.Lock()
	fs, ok := m.flows[state]
	if ok {
		delete(m.flows, state)
	}
	m.mu.Unlock()
	if !ok {
		return ErrStateMismatch
	}
	defer fs.server.Close()

	conf := oauth2Config(cfg, fs.CallbackPort)
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	tok, err := conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", fs.Verifier))
	if err != nil {
		return fmt.Errorf("oauth: token exchange: %w", err)
	}
	return m.persistToken(fs.ServiceID, tok)
}

func oauth2Config(cfg Config, port int) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURI(port),
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

func (m *Manager) persistToken(serviceID string, tok *oauth2.Token) error {
	sealedAccess, err := m.store.SealString(tok.AccessToken)
	if err != nil {
		return err
	}
	row := db.OAuthToken{
		ServiceID:            serviceID,
		EncryptedAccessToken: sealedAccess,
		TokenType:            tok.TokenType,
		CreatedAt:            m.nowFn().UTC(),
	}
	if tok.RefreshToken != "" {
		sealedRefresh, err := m.store.SealString(tok.RefreshToken)
		if err != nil {
			return err
		}
		row.EncryptedRefreshToken = sealedRefresh
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		row.ExpiresAt = &expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		row.Scopes = strings.Fields(scope)
	}
	return m.repo.UpsertOAuthToken(row)
}

// GetValidToken returns a live access token for serviceID, refreshing
// first when expiry is within the skew window.
func (m *Manager) GetValidToken(ctx context.Context, serviceID string) (string, error) {
	row, err := m.repo.GetOAuthToken(serviceID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}

	if row.ExpiresAt != nil && m.nowFn().Add(refreshSkew).After(*row.ExpiresAt) {
		if err := m.RefreshToken(ctx, serviceID); err != nil {
			return "", err
		}
		row, err = m.repo.GetOAuthToken(serviceID)
		if err != nil {
			return "", err
		}
	}
	return m.store.OpenString(row.EncryptedAccessToken)
}

// RefreshToken exchanges the stored refresh token for a new access token.
func (m *Manager) RefreshToken(ctx context.Context, serviceID string) error {
	row, err := m.repo.GetOAuthToken(serviceID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoToken
	}
	if err != nil {
		return err
	}
	if row.EncryptedRefreshToken == "" {
		return ErrTokenExpiredNoRefresh
	}
	refreshToken, err := m.store.OpenString(row.EncryptedRefreshToken)
	if err != nil {
		return err
	}
	cfg, err := m.configs(serviceID)
	if err != nil {
		return fmt.Errorf("oauth: resolve config for refresh: %w", err)
	}

	conf := oauth2Config(*cfg, cfg.CallbackPort)
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	// Force the refresh grant by presenting an already-expired token.
	seed := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := conf.TokenSource(ctx, seed).Token()
	if err != nil {
		return fmt.Errorf("oauth: token refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		// Servers that rotate refresh tokens omit the old one; keep it.
		tok.RefreshToken = refreshToken
	}
	return m.persistToken(serviceID, tok)
}

// Disconnect best-effort revokes the token upstream and always deletes
// the local row.
func (m *Manager) Disconnect(ctx context.Context, serviceID string) error {
	cfg, cfgErr := m.configs(serviceID)
	if cfgErr == nil && cfg.RevokeURL != "" {
		if row, err := m.repo.GetOAuthToken(serviceID); err == nil {
			if access, err := m.store.OpenString(row.EncryptedAccessToken); err == nil {
				if err := revoke(ctx, cfg.RevokeURL, cfg.ClientID, cfg.ClientSecret, access); err != nil {
					log.Warn().Err(err).Str("serviceID", serviceID).Msg("token revocation failed")
				}
			}
		}
	}
	return m.repo.DeleteOAuthToken(serviceID)
}

// HasToken reports whether a token row exists for serviceID.
func (m *Manager) HasToken(serviceID string) bool {
	_, err := m.repo.GetOAuthToken(serviceID)
	return err == nil
}

// RunFlowReaper drops pending flows older than flowTTL until ctx is
// cancelled, so abandoned browser sessions cannot grow the table.
func (m *Manager) RunFlowReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapStaleFlows()
		}
	}
}

func (m *Manager) reapStaleFlows() {
	cutoff := m.nowFn().Add(-flowTTL)
	m.mu.Lock()
	var stale []*flowState
	for state, fs := range m.flows {
		if fs.CreatedAt.Before(cutoff) {
			stale = append(stale, fs)
			delete(m.flows, state)
		}
	}
	m.mu.Unlock()
	for _, fs := range stale {
		fs.server.Close()
		log.Info().Str("serviceID", fs.ServiceID).Msg("reaped abandoned oauth flow")
	}
}

func (m *Manager) removeFlow(state string) {
	m.mu.Lock()
	delete(m.flows, state)
	m.mu.Unlock()
}

// PendingFlows reports the number of in-flight interactive flows.
func (m *Manager) PendingFlows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}
