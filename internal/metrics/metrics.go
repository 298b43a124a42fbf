// Package metrics provides Prometheus metrics for udpgate.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpgate"
)

// Traffic directions.
const (
	DirectionToServer = "to_server"
	DirectionToClient = "to_client"
)

// Drop reasons.
const (
	DropBlocked       = "blocked"
	DropDelayed       = "delayed"
	DropUnknownSocket = "unknown_socket"
	DropAdmitFailed   = "admit_failed"
)

// Socket kinds for error accounting.
const (
	SocketInbound  = "inbound"
	SocketOutbound = "outbound"
)

// Metrics contains all Prometheus metrics for the gateway.
// Every relay metric carries a "port" label.
type Metrics struct {
	RelaysRunning prometheus.Gauge

	// Session metrics
	SessionsPending   *prometheus.GaugeVec
	SessionsActive    *prometheus.GaugeVec
	SessionsCreated   *prometheus.CounterVec
	SessionsConnected *prometheus.CounterVec
	SessionsExpired   *prometheus.CounterVec

	// Blocklist metrics
	BlockedIPs *prometheus.GaugeVec
	Bans       *prometheus.CounterVec

	// Data transfer metrics
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Drops     *prometheus.CounterVec

	SocketErrors    *prometheus.CounterVec
	CleanupDuration *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RelaysRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_running",
			Help:      "Number of relays currently bound and serving",
		}),

		SessionsPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_pending",
			Help:      "Number of sessions waiting out the admission delay",
		}, []string{"port"}),
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with an allocated outbound socket",
		}, []string{"port"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created in the admission delay state",
		}, []string{"port"}),
		SessionsConnected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_connected_total",
			Help:      "Total sessions admitted and connected to the server",
		}, []string{"port"}),
		SessionsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total sessions removed by the idle cleanup",
		}, []string{"port"}),

		BlockedIPs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_ips",
			Help:      "Number of client IPs on the ban list",
		}, []string{"port"}),
		Bans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Total client IPs added to the ban list",
		}, []string{"port"}),

		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded by direction",
		}, []string{"port", "direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded by direction",
		}, []string{"port", "direction"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"port", "reason"}),

		SocketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Total socket I/O errors by socket kind",
		}, []string{"port", "socket"}),
		CleanupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Histogram of cleanup pass duration in seconds",
			Buckets:   []float64{.00001, .0001, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"port"}),
	}
}

// PortMetrics is the set of metrics bound to one relay port.
type PortMetrics struct {
	m    *Metrics
	port string
}

// ForPort binds the metrics to a relay port.
func (m *Metrics) ForPort(port int) *PortMetrics {
	return &PortMetrics{m: m, port: strconv.Itoa(port)}
}

// RecordRelayUp records a relay binding its socket.
func (p *PortMetrics) RecordRelayUp() {
	p.m.RelaysRunning.Inc()
}

// RecordRelayDown records a relay stopping.
func (p *PortMetrics) RecordRelayDown() {
	p.m.RelaysRunning.Dec()
}

// RecordSessionCreated records a new session entering the delay state.
func (p *PortMetrics) RecordSessionCreated() {
	p.m.SessionsCreated.WithLabelValues(p.port).Inc()
	p.m.SessionsPending.WithLabelValues(p.port).Inc()
}

// RecordSessionConnected records a session leaving the delay state.
func (p *PortMetrics) RecordSessionConnected() {
	p.m.SessionsConnected.WithLabelValues(p.port).Inc()
	p.m.SessionsPending.WithLabelValues(p.port).Dec()
	p.m.SessionsActive.WithLabelValues(p.port).Inc()
}

// RecordSessionExpired records cleanup removing a session.
func (p *PortMetrics) RecordSessionExpired(connected bool) {
	p.m.SessionsExpired.WithLabelValues(p.port).Inc()
	if connected {
		p.m.SessionsActive.WithLabelValues(p.port).Dec()
	} else {
		p.m.SessionsPending.WithLabelValues(p.port).Dec()
	}
}

// RecordBan records an IP being added to the ban list.
func (p *PortMetrics) RecordBan() {
	p.m.Bans.WithLabelValues(p.port).Inc()
	p.m.BlockedIPs.WithLabelValues(p.port).Inc()
}

// RecordForward records a forwarded datagram.
func (p *PortMetrics) RecordForward(direction string, bytes int) {
	p.m.Datagrams.WithLabelValues(p.port, direction).Inc()
	p.m.Bytes.WithLabelValues(p.port, direction).Add(float64(bytes))
}

// RecordDrop records a dropped datagram.
func (p *PortMetrics) RecordDrop(reason string) {
	p.m.Drops.WithLabelValues(p.port, reason).Inc()
}

// RecordSocketError records a socket I/O error.
func (p *PortMetrics) RecordSocketError(socket string) {
	p.m.SocketErrors.WithLabelValues(p.port, socket).Inc()
}

// RecordCleanup records the duration of a cleanup pass.
func (p *PortMetrics) RecordCleanup(seconds float64) {
	p.m.CleanupDuration.WithLabelValues(p.port).Observe(seconds)
}

// Reset zeroes the session and ban-list gauges of the port, used when a
// relay stops and releases its sessions and ban list.
func (p *PortMetrics) Reset() {
	p.m.SessionsPending.WithLabelValues(p.port).Set(0)
	p.m.SessionsActive.WithLabelValues(p.port).Set(0)
	p.m.BlockedIPs.WithLabelValues(p.port).Set(0)
}
