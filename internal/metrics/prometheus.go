// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// gateway_connections{state} — attached client sessions by state
	connections *prometheus.GaugeVec

	// gateway_pending_requests — requests awaiting a client reply
	pendingRequests prometheus.Gauge

	// gateway_frames_total{direction,type}
	framesTotal *prometheus.CounterVec

	// gateway_dispatch_total{outcome} — dispatched|no_client|timeout|client_gone|send_failed
	dispatchTotal *prometheus.CounterVec

	// gateway_detach_total{reason}
	detachTotal *prometheus.CounterVec

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_connections",
				Help: "Attached client sessions by state",
			},
			[]string{"state"},
		),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pending_requests",
			Help: "In-flight forwarded requests awaiting a client reply",
		}),

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_frames_total",
				Help: "WebSocket frames processed, by direction and frame type",
			},
			[]string{"direction", "type"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Request dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),

		detachTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_detach_total",
				Help: "Session detaches by reason",
			},
			[]string{"reason"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes client round-trip)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information (value is always 1)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.connections,
		r.pendingRequests,
		r.framesTotal,
		r.dispatchTotal,
		r.detachTotal,
		r.httpRequestsTotal,
		r.httpDuration,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo publishes the build version label.
func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetConnections updates the per-state connection gauges.
func (r *Registry) SetConnections(idle, busy int) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues("idle").Set(float64(idle))
	r.connections.WithLabelValues("busy").Set(float64(busy))
}

// SetPending updates the pending-request gauge.
func (r *Registry) SetPending(n int) {
	if r == nil {
		return
	}
	r.pendingRequests.Set(float64(n))
}

// IncFrameIn counts one server-bound frame of the given type.
func (r *Registry) IncFrameIn(frameType string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("in", frameType).Inc()
}

// IncFrameOut counts one client-bound frame of the given type.
func (r *Registry) IncFrameOut(frameType string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues("out", frameType).Inc()
}

// IncDispatch counts a dispatch attempt outcome.
func (r *Registry) IncDispatch(outcome string) {
	if r == nil {
		return
	}
	r.dispatchTotal.WithLabelValues(outcome).Inc()
}

// IncDetach counts a session detach by reason.
func (r *Registry) IncDetach(reason string) {
	if r == nil {
		return
	}
	r.detachTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one handled HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}
