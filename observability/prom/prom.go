// Package prom exports the Observer metrics to Prometheus, grounded on the
// teacher's observability/prom package (CounterVec/Gauge/Histogram
// registered against a *prometheus.Registry), renamed to this project's
// domain.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ttfgw/ttf/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GatewayObserver exports gateway metrics to Prometheus.
type GatewayObserver struct {
	channelGauge       prometheus.Gauge
	forwardTotal       *prometheus.CounterVec
	correlationLatency prometheus.Histogram
	rewriteTotal       *prometheus.CounterVec
	handshakePushTotal *prometheus.CounterVec
}

// NewGatewayObserver registers gateway metrics on the registry.
func NewGatewayObserver(reg *prometheus.Registry) *GatewayObserver {
	o := &GatewayObserver{
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttf_gateway_channels",
			Help: "Current count of open agent channels.",
		}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttf_gateway_forward_total",
			Help: "Public request forwards by result and routing mode.",
		}, []string{"result", "mode"}),
		correlationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttf_gateway_correlation_latency_seconds",
			Help:    "Time from request dispatch to completion delivery.",
			Buckets: prometheus.DefBuckets,
		}),
		rewriteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttf_gateway_rewrite_total",
			Help: "Response transform invocations by whether a rewrite applied.",
		}, []string{"applied"}),
		handshakePushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttf_gateway_handshake_push_total",
			Help: "ConnectionEstablished push attempts by outcome.",
		}, []string{"ok"}),
	}
	reg.MustRegister(
		o.channelGauge,
		o.forwardTotal,
		o.correlationLatency,
		o.rewriteTotal,
		o.handshakePushTotal,
	)
	return o
}

func (o *GatewayObserver) ChannelCount(n int) { o.channelGauge.Set(float64(n)) }

func (o *GatewayObserver) Forward(result observability.ForwardResult, mode observability.RoutingMode) {
	o.forwardTotal.WithLabelValues(string(result), string(mode)).Inc()
}

func (o *GatewayObserver) CorrelationLatency(d time.Duration) {
	o.correlationLatency.Observe(d.Seconds())
}

func (o *GatewayObserver) RewriteApplied(applied bool) {
	o.rewriteTotal.WithLabelValues(boolLabel(applied)).Inc()
}

func (o *GatewayObserver) HandshakePush(_ int, ok bool) {
	o.handshakePushTotal.WithLabelValues(boolLabel(ok)).Inc()
}

// AgentObserver exports agent metrics to Prometheus.
type AgentObserver struct {
	reconnectTotal  *prometheus.CounterVec
	localReqLatency prometheus.Histogram
	localReqFailed  prometheus.Counter
}

// NewAgentObserver registers agent metrics on the registry.
func NewAgentObserver(reg *prometheus.Registry) *AgentObserver {
	o := &AgentObserver{
		reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttf_agent_reconnect_total",
			Help: "Agent reconnect attempts by reason.",
		}, []string{"reason"}),
		localReqLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttf_agent_local_request_latency_seconds",
			Help:    "Latency of local-service calls performed on behalf of a forwarded request.",
			Buckets: prometheus.DefBuckets,
		}),
		localReqFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttf_agent_local_request_failed_total",
			Help: "Local-service calls that failed or timed out.",
		}),
	}
	reg.MustRegister(o.reconnectTotal, o.localReqLatency, o.localReqFailed)
	return o
}

func (o *AgentObserver) Reconnect(reason observability.ReconnectReason) {
	o.reconnectTotal.WithLabelValues(string(reason)).Inc()
}

func (o *AgentObserver) LocalRequest(_ int, d time.Duration) {
	o.localReqLatency.Observe(d.Seconds())
}

func (o *AgentObserver) LocalRequestFailed() { o.localReqFailed.Inc() }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
