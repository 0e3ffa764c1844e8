// Package metrics collects Prometheus metrics for connections and servers.
//
// Metrics collected (namespace "asyncnet" by default):
//   - asyncnet_frames_total{direction}: frames sent / received
//   - asyncnet_bytes_total{direction}: header + body bytes sent / received
//   - asyncnet_frame_body_bytes: histogram of body sizes
//   - asyncnet_errors_total{type}: connect, transport, decode and write failures
//   - asyncnet_unsolicited_total: inbound frames not matched to a callback
//   - asyncnet_active_connections: connections currently Connected
//   - asyncnet_pending_callbacks: response callbacks still outstanding
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	ErrorConnect   = "connect"
	ErrorTransport = "transport"
	ErrorDecode    = "decode"
	ErrorWrite     = "write"
	ErrorResolve   = "resolve"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "asyncnet").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "asyncnet",
		Registry:  prometheus.DefaultRegisterer,
	}
}

type Metrics struct {
	frames            *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	bodySize          prometheus.Histogram
	errors            *prometheus.CounterVec
	unsolicited       prometheus.Counter
	activeConnections prometheus.Gauge
	pendingCallbacks  prometheus.Gauge
}

// New registers the collectors. Registering twice on the same registry panics,
// so create one Metrics per registry and share it.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of frames by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_total",
			Help:        "Total frame bytes (header + body) by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		bodySize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_body_bytes",
			Help:        "Size of frame bodies in bytes",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{0, 64, 512, 4096, 32768, 262144, 2097152, 16777216},
		}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total failures by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		unsolicited: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "unsolicited_total",
			Help:        "Inbound frames not matched to a pending response callback",
			ConstLabels: config.ConstLabels,
		}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of connections in the Connected state",
			ConstLabels: config.ConstLabels,
		}),

		pendingCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_callbacks",
			Help:        "Response callbacks waiting for their response frame",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// FrameSent records one outbound frame with the given body size.
func (m *Metrics) FrameSent(bodySize int) {
	m.frame(DirectionSent, bodySize)
}

// FrameReceived records one inbound frame with the given body size.
func (m *Metrics) FrameReceived(bodySize int) {
	m.frame(DirectionReceived, bodySize)
}

func (m *Metrics) frame(direction string, bodySize int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(12 + bodySize))
	m.bodySize.Observe(float64(bodySize))
}

// Error records a failure of the given type.
func (m *Metrics) Error(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}

// Unsolicited records an inbound frame delivered to the delegate.
func (m *Metrics) Unsolicited() {
	if m == nil {
		return
	}
	m.unsolicited.Inc()
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// CallbackAdded increments the pending callback gauge.
func (m *Metrics) CallbackAdded() {
	if m == nil {
		return
	}
	m.pendingCallbacks.Inc()
}

// CallbacksRemoved decrements the pending callback gauge by n.
func (m *Metrics) CallbacksRemoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.pendingCallbacks.Sub(float64(n))
}
