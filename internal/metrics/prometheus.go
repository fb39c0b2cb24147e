// Package metrics exposes Prometheus instrumentation for overlord.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all overlord metrics.
type Registry struct {
	// Backend calls
	BackendRequests *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec
	BackendLogins   *prometheus.CounterVec
	BackendRetries  *prometheus.CounterVec

	// Snapshot cache
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec

	// Policy operations
	PolicyOperations *prometheus.CounterVec
	PolicyLatency    *prometheus.HistogramVec

	// Health
	BackendUp *prometheus.GaugeVec

	// HTTP surface
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_backend_requests_total",
		Help: "Requests sent to backend controllers",
	}, []string{"backend", "method", "status"})

	r.BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overlord_backend_request_duration_seconds",
		Help:    "Backend controller request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "method"})

	r.BackendLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_backend_logins_total",
		Help: "Session authentications against backend controllers",
	}, []string{"backend", "result"})

	r.BackendRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_backend_auth_retries_total",
		Help: "Calls retried after the controller rejected the session",
	}, []string{"backend"})

	r.CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_state_cache_hits_total",
		Help: "State reads served from the snapshot",
	}, []string{"backend"})

	r.CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_state_cache_misses_total",
		Help: "State reads that went to the controller",
	}, []string{"backend"})

	r.CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_state_cache_refreshes_total",
		Help: "Forced snapshot refreshes",
	}, []string{"backend"})

	r.PolicyOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_policy_operations_total",
		Help: "Policy operations by domain, action and aggregate status",
	}, []string{"domain", "action", "status"})

	r.PolicyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overlord_policy_duration_seconds",
		Help:    "End-to-end policy operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"domain", "action"})

	r.BackendUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overlord_backend_up",
		Help: "Whether the last health check of a backend succeeded",
	}, []string{"backend", "instance"})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "route", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overlord_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return r
}

// ObserveBackend records one controller request.
func (r *Registry) ObserveBackend(backend, method string, status int, err error, d time.Duration) {
	label := strconv.Itoa(status)
	if err != nil && status == 0 {
		label = "error"
	}
	r.BackendRequests.WithLabelValues(backend, method, label).Inc()
	r.BackendLatency.WithLabelValues(backend, method).Observe(d.Seconds())
}

// ObserveLogin records a controller authentication.
func (r *Registry) ObserveLogin(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.BackendLogins.WithLabelValues(backend, result).Inc()
}

// ObserveCache records a snapshot hit or miss.
func (r *Registry) ObserveCache(backend string, hit bool) {
	if hit {
		r.CacheHits.WithLabelValues(backend).Inc()
		return
	}
	r.CacheMisses.WithLabelValues(backend).Inc()
}

// ObservePolicy records a completed policy operation.
func (r *Registry) ObservePolicy(domain, action, status string, d time.Duration) {
	r.PolicyOperations.WithLabelValues(domain, action, status).Inc()
	r.PolicyLatency.WithLabelValues(domain, action).Observe(d.Seconds())
}

// SetBackendUp records a health check result.
func (r *Registry) SetBackendUp(backend, instance string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	r.BackendUp.WithLabelValues(backend, instance).Set(v)
}

// ObserveAPI records an inbound HTTP request.
func (r *Registry) ObserveAPI(method, route string, status int, d time.Duration) {
	r.APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, route).Observe(d.Seconds())
}
