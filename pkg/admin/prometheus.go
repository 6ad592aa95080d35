package admin

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics notify.Metrics 的 Prometheus 实现
type PromMetrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesIn       prometheus.Counter
	messagesOut      prometheus.Counter
	dropped          prometheus.Counter
	rateLimited      prometheus.Counter
	malformed        prometheus.Counter
	errors           prometheus.Counter
	evictions        prometheus.Counter
	rejections       *prometheus.CounterVec
}

// NewPromMetrics 创建并注册所有指标
func NewPromMetrics() *PromMetrics {
	m := &PromMetrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connections",
			Help: "Current number of active connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_connections_total",
			Help: "Total number of accepted connections",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_messages_in_total",
			Help: "Total number of inbound messages processed",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_messages_out_total",
			Help: "Total number of outbound messages queued",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_messages_dropped_total",
			Help: "Total number of outbound messages dropped (queue full or closed)",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_rate_limited_total",
			Help: "Total number of inbound messages dropped by rate limiting",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_malformed_total",
			Help: "Total number of malformed or unknown inbound messages",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_transport_errors_total",
			Help: "Total number of transport-level errors",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_evictions_total",
			Help: "Total number of connections evicted for missed heartbeats",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_handshake_rejections_total",
			Help: "Total number of rejected upgrade handshakes by status code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.connections, m.connectionsTotal,
		m.messagesIn, m.messagesOut, m.dropped,
		m.rateLimited, m.malformed, m.errors, m.evictions,
		m.rejections,
	)

	return m
}

// Registry 指标注册表（供 promhttp 渲染）
func (m *PromMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PromMetrics) IncrementConnections()        { m.connectionsTotal.Inc() }
func (m *PromMetrics) DecrementConnections()        {}
func (m *PromMetrics) SetConnectionCount(count int) { m.connections.Set(float64(count)) }
func (m *PromMetrics) IncrementMessagesIn()         { m.messagesIn.Inc() }
func (m *PromMetrics) IncrementMessagesOut()        { m.messagesOut.Inc() }
func (m *PromMetrics) IncrementDropped()            { m.dropped.Inc() }
func (m *PromMetrics) IncrementRateLimited()        { m.rateLimited.Inc() }
func (m *PromMetrics) IncrementMalformed()          { m.malformed.Inc() }
func (m *PromMetrics) IncrementErrors()             { m.errors.Inc() }
func (m *PromMetrics) IncrementEvictions()          { m.evictions.Inc() }
func (m *PromMetrics) IncrementRejections(code int) {
	m.rejections.WithLabelValues(strconv.Itoa(code)).Inc()
}
