package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"async-network/eventloop"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DefaultWebSocketPath is the HTTP path the websocket listener upgrades on.
const DefaultWebSocketPath = "/async-network"

// wsConn turns a message-oriented websocket into a byte stream. Each Write is
// sent as one binary message; reads continue across message boundaries.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func newWebSocketStream(loop *eventloop.Loop, conn *websocket.Conn) Stream {
	return newStream(loop, &wsConn{conn: conn}, conn.LocalAddr().String(), conn.RemoteAddr().String())
}

// WebSocketDialer opens streams carried over a websocket.
type WebSocketDialer struct {
	loop *eventloop.Loop
	path string
}

func NewWebSocketDialer(loop *eventloop.Loop, path string) *WebSocketDialer {
	if path == "" {
		path = DefaultWebSocketPath
	}
	return &WebSocketDialer{loop: loop, path: path}
}

func (d *WebSocketDialer) Dial(host string, port int, timeout time.Duration, fn func(Stream, error)) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: d.path}
	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %s: %v", ErrTimeout, u.String(), err)
			} else {
				err = dialError(u.String(), err)
			}
			d.loop.Post(func() { fn(nil, err) })
			return
		}
		s := newWebSocketStream(d.loop, conn)
		if !d.loop.Post(func() { fn(s, nil) }) {
			s.Close()
		}
	}()
}

// WebSocketListener serves the upgrade endpoint on a chi router and hands
// every upgraded connection to accept as a Stream.
type WebSocketListener struct {
	loop     *eventloop.Loop
	host     string
	path     string
	upgrader websocket.Upgrader
	logger   *log.Entry

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	closing  atomic.Bool
}

func NewWebSocketListener(loop *eventloop.Loop, host, path string) *WebSocketListener {
	if path == "" {
		path = DefaultWebSocketPath
	}
	return &WebSocketListener{
		loop: loop,
		host: host,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // peers are processes, not browsers
			},
		},
		logger: log.WithField("component", "transport/websocket"),
	}
}

func (l *WebSocketListener) Listen(port int, accept func(Stream)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return errors.New("transport: websocket listener already listening")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("transport: listen on port %d: %w", port, err)
	}

	router := chi.NewRouter()
	router.Get(l.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		s := newWebSocketStream(l.loop, conn)
		if !l.loop.Post(func() { accept(s) }) {
			s.Close()
		}
	})

	l.listener = ln
	l.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	l.closing.Store(false)
	srv := l.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !l.closing.Load() {
			l.logger.WithError(err).Error("websocket listener stopped")
		}
	}()
	return nil
}

func (l *WebSocketListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return 0
	}
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting. Upgraded streams are hijacked and stay open until
// their owners close them.
func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		return nil
	}
	l.closing.Store(true)
	err := l.server.Close()
	l.server = nil
	l.listener = nil
	return err
}
