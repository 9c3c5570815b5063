// Package telemetry wires the relay's request lifecycle to structured logs
// and Prometheus metrics. Hooks is the seam forwarder and health engine code
// against, so tests can substitute a no-op or recording implementation
// without pulling in a metrics registry.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hooks receives lifecycle events from the forwarder and health engine.
type Hooks interface {
	RequestForwarded(target string, status int, duration time.Duration)
	RequestFailed(target string, reason string)
	TokenCacheHit(target string)
	TokenCacheMiss(target string)
	TokenRefreshed(target string, duration time.Duration)
	HealthCheckResult(target string, healthy bool, duration time.Duration)
}

// PromHooks implements Hooks against a Prometheus registry and mirrors every
// event to a structured log line at a level matched to severity.
type PromHooks struct {
	logger *slog.Logger

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	healthStatus    *prometheus.GaugeVec
}

// NewPromHooks registers the relay's metric families on reg and returns a
// Hooks implementation backed by them. Pass prometheus.NewRegistry() in
// tests to avoid colliding with the global default registry.
func NewPromHooks(reg prometheus.Registerer, logger *slog.Logger) *PromHooks {
	if logger == nil {
		logger = slog.Default()
	}
	h := &PromHooks{
		logger: logger,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_requests_total",
			Help: "Forwarded requests by target and upstream status code.",
		}, []string{"target", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenrelay_request_duration_seconds",
			Help:    "Upstream request latency by target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_request_failures_total",
			Help: "Forwarding failures by target and reason.",
		}, []string{"target", "reason"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenrelay_token_cache_total",
			Help: "OAuth2 token cache lookups by target and outcome.",
		}, []string{"target", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenrelay_token_refresh_duration_seconds",
			Help:    "Time spent fetching a fresh OAuth2 token by target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokenrelay_target_healthy",
			Help: "1 if the target's last health check passed, else 0.",
		}, []string{"target"}),
	}
	reg.MustRegister(h.requestsTotal, h.requestDuration, h.failuresTotal, h.cacheHitsTotal, h.refreshDuration, h.healthStatus)
	return h
}

func (h *PromHooks) RequestForwarded(target string, status int, duration time.Duration) {
	h.requestsTotal.WithLabelValues(target, statusLabel(status)).Inc()
	h.requestDuration.WithLabelValues(target).Observe(duration.Seconds())
	h.logger.Debug("request forwarded", "target", target, "status", status, "duration_ms", duration.Milliseconds())
}

func (h *PromHooks) RequestFailed(target string, reason string) {
	h.failuresTotal.WithLabelValues(target, reason).Inc()
	h.logger.Warn("request forwarding failed", "target", target, "reason", reason)
}

func (h *PromHooks) TokenCacheHit(target string) {
	h.cacheHitsTotal.WithLabelValues(target, "hit").Inc()
	h.logger.Debug("token cache hit", "target", target)
}

func (h *PromHooks) TokenCacheMiss(target string) {
	h.cacheHitsTotal.WithLabelValues(target, "miss").Inc()
	h.logger.Debug("token cache miss", "target", target)
}

func (h *PromHooks) TokenRefreshed(target string, duration time.Duration) {
	h.refreshDuration.WithLabelValues(target).Observe(duration.Seconds())
	h.logger.Info("oauth2 token refreshed", "target", target, "duration_ms", duration.Milliseconds())
}

func (h *PromHooks) HealthCheckResult(target string, healthy bool, duration time.Duration) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	h.healthStatus.WithLabelValues(target).Set(v)
	h.logger.Debug("health check completed", "target", target, "healthy", healthy, "duration_ms", duration.Milliseconds())
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
