package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConsumer exports proxy events as Prometheus metrics.
type PrometheusConsumer struct {
	requestsStarted  prometheus.Counter
	requestsStopped  *prometheus.CounterVec
	requestsFailed   *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	transferredBytes *prometheus.CounterVec
}

// NewPrometheusConsumer builds a consumer and registers its collectors
// with the given registerer.
func NewPrometheusConsumer(reg prometheus.Registerer) *PrometheusConsumer {
	c := &PrometheusConsumer{
		requestsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycore_requests_started_total",
			Help: "Requests accepted by the forwarder.",
		}),
		requestsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_requests_stopped_total",
			Help: "Requests completed successfully, by status code.",
		}, []string{"code"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_requests_failed_total",
			Help: "Requests terminated with a proxy error, by error kind.",
		}, []string{"kind"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_forwarder_stages_total",
			Help: "Forwarder state machine transitions.",
		}, []string{"stage"}),
		transferredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_transferred_bytes_total",
			Help: "Body bytes moved by completed pumps, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(c.requestsStarted, c.requestsStopped, c.requestsFailed, c.stageTransitions, c.transferredBytes)
	return c
}

func (c *PrometheusConsumer) ForwarderStage(_ context.Context, stage Stage) {
	c.stageTransitions.WithLabelValues(stage.String()).Inc()
}

func (c *PrometheusConsumer) ContentTransferring(context.Context, TransferStats) {}

func (c *PrometheusConsumer) ContentTransferred(_ context.Context, stats TransferStats) {
	direction := "response"
	if stats.Request {
		direction = "request"
	}
	c.transferredBytes.WithLabelValues(direction).Add(float64(stats.Bytes))
}

func (c *PrometheusConsumer) ProxyStart(context.Context) {
	c.requestsStarted.Inc()
}

func (c *PrometheusConsumer) ProxyStop(_ context.Context, statusCode int) {
	c.requestsStopped.WithLabelValues(codeLabel(statusCode)).Inc()
}

func (c *PrometheusConsumer) ProxyFailed(_ context.Context, kind string) {
	c.requestsFailed.WithLabelValues(kind).Inc()
}

func (c *PrometheusConsumer) ProxyInvoke(context.Context, string, string, string) {}

func codeLabel(code int) string {
	if code < 100 || code > 999 {
		return "unknown"
	}
	digits := [3]byte{byte('0' + code/100), byte('0' + (code/10)%10), byte('0' + code%10)}
	return string(digits[:])
}
