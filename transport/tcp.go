package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"async-network/eventloop"

	log "github.com/sirupsen/logrus"
)

// TCPOptions tunes the sockets created by the TCP dialer and listener.
type TCPOptions struct {
	Host            string        // Listen host, empty = all interfaces
	NoDelay         bool          // Disable Nagle's algorithm
	KeepAlive       time.Duration // TCP keep-alive period, 0 = OS default, <0 = off
	ReadBufferSize  int           // SO_RCVBUF in bytes, 0 = OS default
	WriteBufferSize int           // SO_SNDBUF in bytes, 0 = OS default
}

// DefaultTCPOptions returns the options used when none are given.
func DefaultTCPOptions() TCPOptions {
	return TCPOptions{
		NoDelay:   true,
		KeepAlive: 30 * time.Second,
	}
}

// upgradeConn applies the socket options to a freshly opened connection.
func (o TCPOptions) upgradeConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // not a TCP connection, nothing to tune
	}
	if err := tcpConn.SetNoDelay(o.NoDelay); err != nil {
		return err
	}
	if o.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(o.WriteBufferSize); err != nil {
			return err
		}
	}
	if o.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(o.ReadBufferSize); err != nil {
			return err
		}
	}
	if o.KeepAlive > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(o.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}

// TCPDialer opens TCP streams.
type TCPDialer struct {
	loop    *eventloop.Loop
	options TCPOptions
}

func NewTCPDialer(loop *eventloop.Loop, options TCPOptions) *TCPDialer {
	return &TCPDialer{loop: loop, options: options}
}

func (d *TCPDialer) Dial(host string, port int, timeout time.Duration, fn func(Stream, error)) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	go func() {
		dialer := net.Dialer{Timeout: timeout, KeepAlive: d.options.KeepAlive}
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			err = dialError(addr, err)
			d.loop.Post(func() { fn(nil, err) })
			return
		}
		if err := d.options.upgradeConn(conn); err != nil {
			log.WithError(err).WithField("remote", addr).Warn("tune tcp connection")
		}
		s := NewStream(d.loop, conn)
		if !d.loop.Post(func() { fn(s, nil) }) {
			s.Close()
		}
	}()
}

func dialError(addr string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, err)
	}
	return fmt.Errorf("transport: dial %s: %w", addr, err)
}

// TCPListener accepts TCP streams.
type TCPListener struct {
	loop    *eventloop.Loop
	options TCPOptions
	logger  *log.Entry

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
}

func NewTCPListener(loop *eventloop.Loop, options TCPOptions) *TCPListener {
	return &TCPListener{
		loop:    loop,
		options: options,
		logger:  log.WithField("component", "transport/tcp"),
	}
}

func (l *TCPListener) Listen(port int, accept func(Stream)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return fmt.Errorf("transport: already listening on port %d", l.portLocked())
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.options.Host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("transport: listen on port %d: %w", port, err)
	}
	l.listener = ln
	l.closing.Store(false)
	go l.acceptLoop(ln, accept)
	return nil
}

func (l *TCPListener) acceptLoop(ln net.Listener, accept func(Stream)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Close makes Accept fail; only a failure we did not cause is worth logging
			if !l.closing.Load() {
				l.logger.WithError(err).Error("accept failed")
			}
			return
		}
		if err := l.options.upgradeConn(conn); err != nil {
			l.logger.WithError(err).Warn("tune tcp connection")
		}
		s := NewStream(l.loop, conn)
		if !l.loop.Post(func() { accept(s) }) {
			s.Close()
		}
	}
}

func (l *TCPListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portLocked()
}

func (l *TCPListener) portLocked() int {
	if l.listener == nil {
		return 0
	}
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	l.closing.Store(true)
	err := l.listener.Close()
	l.listener = nil
	return err
}
