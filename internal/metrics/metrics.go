// Package metrics provides the Prometheus metrics sink for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't collide with host-level metrics when the gateway is embedded. Every
// recording method is nil-receiver-safe and fire-and-forget: metric emission never
// blocks or fails the request path.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// requests_total{endpoint,status}
	requestsTotal *prometheus.CounterVec

	// request_duration_seconds{endpoint}
	requestDuration *prometheus.HistogramVec

	// provider_requests_total{provider,model,outcome}
	providerRequests *prometheus.CounterVec

	// fallbacks_total{alias,reason}
	fallbacks *prometheus.CounterVec

	// circuit_state{provider} — 0=closed, 1=open, 2=half_open
	circuitState *prometheus.GaugeVec

	// ratelimit_denied_total{axis}
	rateLimitDenied *prometheus.CounterVec

	// inflight_requests
	inFlight prometheus.Gauge

	handler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total client requests handled by the gateway",
			},
			[]string{"endpoint", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Upstream attempts by provider, model, and normalized outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fallbacks_total",
				Help: "Candidate advances during dispatch, by alias and reason",
			},
			[]string{"alias", "reason"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
			},
			[]string{"provider"},
		),

		rateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_denied_total",
				Help: "Requests denied by the rate-limit gate, by axis",
			},
			[]string{"axis"},
		),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_requests",
			Help: "Requests currently being handled",
		}),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.providerRequests,
		r.fallbacks,
		r.circuitState,
		r.rateLimitDenied,
		r.inFlight,
	)

	r.handler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.handler
}

// ObserveRequest records one finished client request.
func (r *Registry) ObserveRequest(endpoint string, status int, dur time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

// RecordProviderRequest records one upstream attempt outcome.
func (r *Registry) RecordProviderRequest(provider, model, outcome string) {
	if r == nil {
		return
	}
	r.providerRequests.WithLabelValues(provider, model, outcome).Inc()
}

// RecordFallback records one candidate advance and its reason.
func (r *Registry) RecordFallback(alias, reason string) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(alias, reason).Inc()
}

// SetCircuitState publishes a provider's breaker state.
func (r *Registry) SetCircuitState(provider string, state int) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordRateLimitDenied records one denial at the rate-limit gate.
func (r *Registry) RecordRateLimitDenied(axis string) {
	if r == nil {
		return
	}
	r.rateLimitDenied.WithLabelValues(axis).Inc()
}

// IncInFlight / DecInFlight track the in-flight gauge.
func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}
