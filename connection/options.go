package connection

import (
	"time"

	"async-network/codec"
	"async-network/metrics"
	"async-network/registry"
	"async-network/transport"

	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds connection establishment (resolve + connect each).
const DefaultTimeout = 30 * time.Second

type Option func(*Connection)

// WithTimeout sets the connect timeout. 0 disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		c.timeout = timeout
	}
}

// WithCodec sets the serialization adapter. Both ends must agree on it.
func WithCodec(cdc codec.Codec) Option {
	return func(c *Connection) {
		if cdc != nil {
			c.codec = cdc
		}
	}
}

func WithDelegate(delegate Delegate) Option {
	return func(c *Connection) {
		c.SetDelegate(delegate)
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the default TCP dialer.
func WithDialer(dialer transport.Dialer) Option {
	return func(c *Connection) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithBalancer chooses among several instances when resolving a reference.
// A loadbalance.Balancer fits; without one the first instance is taken.
func WithBalancer(picker registry.Picker) Option {
	return func(c *Connection) {
		c.picker = picker
	}
}

// WithMaxBodyLength bounds the body length accepted from a peer (0 = unlimited).
func WithMaxBodyLength(n uint32) Option {
	return func(c *Connection) {
		c.maxBody = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}
