package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbusgw/mbus-proxy/mbus"
	"github.com/mbusgw/mbus-proxy/proxy"
)

// prometheusMetrics implements proxy.Metrics on top of
// prometheus/client_golang, giving the gateway the C9 observability
// surface described in SPEC_FULL.md: frames decoded per port, protocol
// errors, forwarded requests, timeouts, and heater reply latency.
type prometheusMetrics struct {
	framesReceived  *prometheus.CounterVec
	protocolErrors  *prometheus.CounterVec
	requestsForward prometheus.Counter
	timeouts        prometheus.Counter
	heaterLatency   prometheus.Histogram
}

var _ proxy.Metrics = (*prometheusMetrics)(nil)

// newPrometheusMetrics registers the gateway's metrics with reg and
// returns a proxy.Metrics implementation backed by them.
func newPrometheusMetrics(reg prometheus.Registerer) *prometheusMetrics {
	m := &prometheusMetrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbus_proxy_frames_received_total",
			Help: "Frames decoded per port and kind.",
		}, []string{"port", "kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbus_proxy_protocol_errors_total",
			Help: "Parse/protocol errors encountered per port.",
		}, []string{"port"}),
		requestsForward: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbus_proxy_requests_forwarded_total",
			Help: "Requests forwarded to the heater.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbus_proxy_heater_response_timeouts_total",
			Help: "Heater response timeouts.",
		}),
		heaterLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mbus_proxy_heater_reply_latency_seconds",
			Help:    "Time from forwarding a request to receiving the heater's reply.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.framesReceived, m.protocolErrors, m.requestsForward, m.timeouts, m.heaterLatency)
	return m
}

func (m *prometheusMetrics) FrameReceived(port string, kind mbus.Kind) {
	m.framesReceived.WithLabelValues(port, kind.String()).Inc()
}

func (m *prometheusMetrics) ProtocolError(port string) {
	m.protocolErrors.WithLabelValues(port).Inc()
}

func (m *prometheusMetrics) RequestForwarded() {
	m.requestsForward.Inc()
}

func (m *prometheusMetrics) ResponseTimeout() {
	m.timeouts.Inc()
}

func (m *prometheusMetrics) HeaterReplyLatency(d time.Duration) {
	m.heaterLatency.Observe(d.Seconds())
}
