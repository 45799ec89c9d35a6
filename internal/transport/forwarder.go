package transport

import (
	"context"
	"errors"

	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
)

// TokenRefresher forces a token refresh for a service; backed by
// internal/oauth's Manager.RefreshToken.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, serviceID string) error
}

// RetryingForwarder wraps a Client with the 401 refresh-and-retry loop.
// Only 401 triggers a refresh; every other failure propagates
// untouched, and the transport layer never retries anything else.
type RetryingForwarder struct {
	client     *Client
	refresher  TokenRefresher
	maxRetries int
}

func NewRetryingForwarder(client *Client, refresher TokenRefresher, maxRetries int) *RetryingForwarder {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RetryingForwarder{client: client, refresher: refresher, maxRetries: maxRetries}
}

// ForwardWithRetry sends req, refreshing OAuth credentials and retrying
// when the backend answers 401 with OAuth auth configured.
func (f *RetryingForwarder) ForwardWithRetry(ctx context.Context, req mcp.Request) (*mcp.Response, error) {
	resp, err := f.client.SendRequest(ctx, req)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return resp, err
	}
	if f.client.auth.Kind != AuthOAuth || f.refresher == nil {
		return nil, err
	}

	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		log.Info().Str("serviceID", f.client.serviceID).Int("attempt", attempt).
			Msg("backend returned 401, refreshing token")
		if refreshErr := f.refresher.RefreshToken(ctx, f.client.serviceID); refreshErr != nil {
			metrics.OAuthRefreshes.WithLabelValues("error").Inc()
			return nil, refreshErr
		}
		metrics.OAuthRefreshes.WithLabelValues("ok").Inc()

		resp, err = f.client.SendRequest(ctx, req)
		if err == nil || !errors.Is(err, ErrUnauthorized) {
			return resp, err
		}
	}
	return nil, err
}
