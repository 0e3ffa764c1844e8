// Package server accepts connections, keeps the set of live ones, and fans
// messages out to them.
//
// Inbound message pipeline (all on the event loop):
//
//	Listener accept → connection.NewWithStream → connection set
//	  → Connection decodes a frame → middleware chain → Delegate.MessageReceived
//
// Like a Connection, a Server is driven from its event loop: Start, Stop,
// Broadcast and Use must be called there. Connections, Port and Running are
// safe from any goroutine.
package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"async-network/codec"
	"async-network/connection"
	"async-network/eventloop"
	"async-network/message"
	"async-network/metrics"
	"async-network/middleware"
	"async-network/protocol"
	"async-network/registry"
	"async-network/transport"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// registryTimeout bounds one advertise or withdraw round trip.
const registryTimeout = 5 * time.Second

type Config struct {
	Port int // 0 lets the OS choose

	// ServiceName enables advertising through the registry under
	// ServiceName.ServiceType.ServiceDomain.
	ServiceName   string
	ServiceType   string
	ServiceDomain string
	// AdvertiseHost is the address registered for clients. It differs from
	// the listen address because ":0" is not routable; empty picks the first
	// non-loopback IPv4 address.
	AdvertiseHost string

	// DisconnectClientsAfterSend cancels each connection once a broadcast
	// frame has been written to it.
	DisconnectClientsAfterSend bool

	Timeout       time.Duration // connection timeout, 0 = connection.DefaultTimeout
	Codec         codec.Codec   // nil = JSON
	MaxBodyLength uint32        // 0 = protocol.DefaultMaxBodyLength
}

type Server struct {
	loop     *eventloop.Loop
	cfg      Config
	listener transport.Listener
	registry registry.Registry
	delegate Delegate
	logger   *log.Entry
	metrics  *metrics.Metrics

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain built at Start

	connections *xsync.MapOf[uint64, *connection.Connection]
	running     atomic.Bool
	ctx         context.Context // cancelled by Stop
	cancel      context.CancelFunc
	advertised  *registry.Instance
}

func New(loop *eventloop.Loop, cfg Config, opts ...Option) *Server {
	if cfg.Timeout == 0 {
		cfg.Timeout = connection.DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = &codec.JSONCodec{}
	}
	if cfg.MaxBodyLength == 0 {
		cfg.MaxBodyLength = protocol.DefaultMaxBodyLength
	}
	ref := registry.Reference{Type: cfg.ServiceType, Domain: cfg.ServiceDomain}.WithDefaults()
	cfg.ServiceType, cfg.ServiceDomain = ref.Type, ref.Domain

	s := &Server{
		loop:        loop,
		cfg:         cfg,
		delegate:    DelegateFuncs{},
		logger:      log.WithField("component", "server"),
		connections: xsync.NewMapOf[uint64, *connection.Connection](),
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.listener == nil {
		s.listener = transport.NewTCPListener(loop, transport.DefaultTCPOptions())
	}
	return s
}

// Use registers a middleware. Middlewares run in the order they are added;
// the chain is built by Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) Config() Config { return s.cfg }
func (s *Server) Running() bool  { return s.running.Load() }

// Port returns the bound port, 0 when not listening.
func (s *Server) Port() int { return s.listener.Port() }

// Connections returns a snapshot of the live connections ordered by ID.
func (s *Server) Connections() []*connection.Connection {
	conns := make([]*connection.Connection, 0, s.connections.Size())
	s.connections.Range(func(_ uint64, c *connection.Connection) bool {
		conns = append(conns, c)
		return true
	})
	slices.SortFunc(conns, func(a, b *connection.Connection) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return conns
}

// Start listens on the configured port and, with a service name and a
// registry, advertises it. A bind failure is reported to the delegate and
// leaves the server stopped. Start on a running server does nothing.
func (s *Server) Start() {
	if s.running.Load() {
		return
	}
	if err := s.listener.Listen(s.cfg.Port, s.accept); err != nil {
		s.logger.WithError(err).WithField("port", s.cfg.Port).Error("listen failed")
		s.delegate.ServerFailed(s, err)
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.running.Store(true)
	s.logger = s.logger.WithField("port", s.Port())
	s.logger.Info("server started")

	if s.cfg.ServiceName != "" && s.registry != nil {
		s.advertise()
	}
	s.delegate.ServerStarted(s)
}

// Stop cancels every connection, withdraws the advertisement and closes the
// listener. Teardown continues past a failing step. Stop on a stopped server
// does nothing.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.cancel()

	for _, c := range s.Connections() {
		c.Cancel()
	}
	s.connections.Clear()

	if s.advertised != nil {
		s.withdraw(*s.advertised)
		s.advertised = nil
	}
	if err := s.listener.Close(); err != nil {
		s.logger.WithError(err).Warn("close listener")
	}
	s.logger.Info("server stopped")
	s.delegate.ServerStopped(s)
}

// Broadcast sends object to every live connection, with tag as the frame's
// command and no response expected. A failure on one connection does not stop
// the others; the encode failures are returned joined.
func (s *Server) Broadcast(object any, tag uint32) error {
	var errs []error
	for _, c := range s.Connections() {
		if !c.Connected() {
			continue
		}
		if err := c.SendFrame(tag, 0, object, s.broadcastDone(c)); err != nil {
			errs = append(errs, fmt.Errorf("server: broadcast to connection %d: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) broadcastDone(c *connection.Connection) func(error) {
	return func(err error) {
		if err != nil {
			s.delegate.MessageFailed(s, c, err)
		}
		if s.cfg.DisconnectClientsAfterSend {
			c.Cancel()
		}
	}
}

func (s *Server) accept(stream transport.Stream) {
	if !s.running.Load() {
		stream.Close()
		return
	}
	c := connection.NewWithStream(s.loop, stream,
		connection.WithDelegate(connDelegate{s: s}),
		connection.WithCodec(s.cfg.Codec),
		connection.WithTimeout(s.cfg.Timeout),
		connection.WithMaxBodyLength(s.cfg.MaxBodyLength),
		connection.WithMetrics(s.metrics),
		connection.WithLogger(s.logger),
	)
	s.connections.Store(c.ID(), c)
	s.logger.WithField("conn", c.ID()).WithField("remote", c.RemoteAddr()).Debug("connection accepted")
	s.delegate.ConnectionAccepted(s, c)
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(_ context.Context, c *connection.Connection, msg *message.Message) error {
	s.delegate.MessageReceived(s, c, msg)
	return nil
}

func (s *Server) instance() registry.Instance {
	host := s.cfg.AdvertiseHost
	if host == "" {
		host = outboundHost()
	}
	return registry.Instance{
		Name:   s.cfg.ServiceName,
		Type:   s.cfg.ServiceType,
		Domain: s.cfg.ServiceDomain,
		Host:   host,
		Port:   s.Port(),
	}
}

// advertise registers the instance without blocking the loop. A result that
// arrives after Stop is withdrawn right away.
func (s *Server) advertise() {
	instance := s.instance()
	reg := s.registry
	ctx := s.ctx
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		err := reg.Advertise(actx, instance)

		s.loop.Post(func() {
			switch {
			case ctx.Err() != nil:
				// stopped meanwhile
				if err != nil {
					s.logger.WithError(err).Debug("advertise failed after stop")
					return
				}
				s.withdraw(instance)
			case err != nil:
				s.metrics.Error(metrics.ErrorResolve)
				s.logger.WithError(err).Warn("advertise failed")
				s.delegate.ServerFailed(s, fmt.Errorf("server: advertise %s: %w", instance.Reference(), err))
			default:
				s.advertised = &instance
				s.logger.WithField("service", instance.Reference().String()).Info("service advertised")
			}
		})
	}()
}

func (s *Server) withdraw(instance registry.Instance) {
	reg := s.registry
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := reg.StopAdvertising(ctx, instance); err != nil {
			logger.WithError(err).Warn("stop advertising")
		}
	}()
}

// outboundHost returns the first non-loopback IPv4 address, or 127.0.0.1.
func outboundHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
