package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestSeriesRegisteredAndObservable(t *testing.T) {
	ActiveSessions.Inc()
	defer ActiveSessions.Dec()
	TakeoverOperations.WithLabelValues("full", "ok").Inc()
	BackendRequestDuration.WithLabelValues("stdio", "ok").Observe(0.05)
	OAuthRefreshes.WithLabelValues("ok").Inc()

	sessions := findFamily(t, "mantra_gateway_active_sessions")
	require.NotNil(t, sessions)
	assert.GreaterOrEqual(t, sessions.GetMetric()[0].GetGauge().GetValue(), 1.0)

	takeovers := findFamily(t, "mantra_takeover_operations_total")
	require.NotNil(t, takeovers)

	latency := findFamily(t, "mantra_backend_request_duration_seconds")
	require.NotNil(t, latency)
	assert.Equal(t, dto.MetricType_HISTOGRAM, latency.GetType())
}

func TestHandlerServesExposition(t *testing.T) {
	ActiveSessions.Set(0)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "mantra_gateway_active_sessions")
}
