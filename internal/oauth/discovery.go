package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// serverMetadata is the RFC 8414 authorization server metadata subset the
// gateway consumes.
type serverMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// DiscoverEndpoints fills cfg's missing authorize/token/revoke URLs from
// the issuer's /.well-known/oauth-authorization-server document. A failed
// or partial discovery leaves the explicit config untouched — the flow
// falls back to whatever the user supplied.
func DiscoverEndpoints(ctx context.Context, issuer string, cfg Config) Config {
	if cfg.AuthorizeURL != "" && cfg.TokenURL != "" {
		return cfg
	}
	meta, err := fetchMetadata(ctx, issuer)
	if err != nil {
		return cfg
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = meta.AuthorizationEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = meta.TokenEndpoint
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = meta.RevocationEndpoint
	}
	return cfg
}

func fetchMetadata(ctx context.Context, issuer string) (*serverMetadata, error) {
	u, err := url.Parse(strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return nil, fmt.Errorf("oauth: parse issuer: %w", err)
	}
	u.Path = "/.well-known/oauth-authorization-server" + u.Path

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: discovery returned status %d", resp.StatusCode)
	}
	var meta serverMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("oauth: decode discovery document: %w", err)
	}
	return &meta, nil
}
