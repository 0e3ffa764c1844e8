package server

import (
	"async-network/metrics"
	"async-network/registry"
	"async-network/transport"

	log "github.com/sirupsen/logrus"
)

type Option func(*Server)

// WithListener replaces the default TCP listener.
func WithListener(listener transport.Listener) Option {
	return func(s *Server) {
		if listener != nil {
			s.listener = listener
		}
	}
}

// WithRegistry enables advertising when Config.ServiceName is set.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

func WithDelegate(delegate Delegate) Option {
	return func(s *Server) {
		if delegate != nil {
			s.delegate = delegate
		}
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records server and connection metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}
