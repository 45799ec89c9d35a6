// Package metrics registers the gateway's Prometheus series and serves
// them on /metrics next to /health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks gateway sessions currently in Initializing or
	// Ready state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mantra",
		Subsystem: "gateway",
		Name:      "active_sessions",
		Help:      "Gateway MCP sessions currently open.",
	})

	// BackendRequestDuration observes end-to-end backend request latency,
	// labeled by transport and outcome.
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mantra",
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Latency of requests forwarded to backend MCP services.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"transport", "outcome"})

	// TakeoverOperations counts takeover executor outcomes.
	TakeoverOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantra",
		Subsystem: "takeover",
		Name:      "operations_total",
		Help:      "Takeover runs by operation and result.",
	}, []string{"operation", "result"})

	// OAuthRefreshes counts token refresh attempts by result.
	OAuthRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantra",
		Subsystem: "oauth",
		Name:      "refresh_total",
		Help:      "OAuth token refresh attempts.",
	}, []string{"result"})

	// RunningProcesses tracks live stdio backend children.
	RunningProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mantra",
		Subsystem: "process",
		Name:      "running_children",
		Help:      "Stdio MCP child processes currently alive.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
