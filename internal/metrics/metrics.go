// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hopproxy"

// Result label values for ConnectRequests.
const (
	ConnectEstablished  = "established"
	ConnectBadRequest   = "bad_request"
	ConnectDialError    = "dial_error"
	ConnectHijackError  = "hijack_error"
	ConnectShuttingDown = "shutting_down"
)

// Direction label values for TunnelBytes.
const (
	ClientToTarget = "client_to_target"
	TargetToClient = "target_to_client"
)

// Forwarded requests are usually quick; tunnels may live for hours.
var (
	forwardBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	tunnelBuckets  = prometheus.ExponentialBuckets(0.1, 4, 10)
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ForwardRequests *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec

	ConnectRequests *prometheus.CounterVec
	TunnelsActive   prometheus.Gauge
	TunnelBytes     *prometheus.CounterVec
	TunnelDuration  prometheus.Histogram
}

// New creates a Metrics instance with its own registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ForwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_total",
			Help:      "Plain HTTP requests forwarded to origin servers, by response code.",
		}, []string{"code", "method"}),

		ForwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_request_duration_seconds",
			Help:      "Time until origin response headers arrived, in seconds.",
			Buckets:   forwardBuckets,
		}, []string{"code", "method"}),

		ConnectRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_requests_total",
			Help:      "CONNECT requests by outcome.",
		}, []string{"result"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of CONNECT tunnels currently splicing.",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),

		TunnelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Lifetime of CONNECT tunnels in seconds.",
			Buckets:   tunnelBuckets,
		}),
	}

	reg.MustRegister(
		m.ForwardRequests,
		m.ForwardDuration,
		m.ConnectRequests,
		m.TunnelsActive,
		m.TunnelBytes,
		m.TunnelDuration,
	)

	return m
}

// InstrumentRoundTripper wraps next so every forwarded request is counted and
// timed. Method labels are bounded by promhttp.
func (m *Metrics) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	return promhttp.InstrumentRoundTripperCounter(m.ForwardRequests,
		promhttp.InstrumentRoundTripperDuration(m.ForwardDuration, next))
}

// ObserveTunnel records a finished tunnel.
func (m *Metrics) ObserveTunnel(clientToTarget, targetToClient int64, lifetime time.Duration) {
	m.TunnelBytes.WithLabelValues(ClientToTarget).Add(float64(clientToTarget))
	m.TunnelBytes.WithLabelValues(TargetToClient).Add(float64(targetToClient))
	m.TunnelDuration.Observe(lifetime.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
