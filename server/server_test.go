package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"async-network/codec"
	"async-network/connection"
	"async-network/eventloop"
	"async-network/message"
	"async-network/middleware"
	"async-network/registry"
)

const waitTimeout = 3 * time.Second

type serverRecorder struct {
	started  chan struct{}
	stopped  chan struct{}
	failed   chan error
	accepted chan *connection.Connection
	closed   chan error
	messages chan *message.Message
	failures chan error

	onMessage func(c *connection.Connection, msg *message.Message)
}

func newServerRecorder() *serverRecorder {
	return &serverRecorder{
		started:  make(chan struct{}, 4),
		stopped:  make(chan struct{}, 4),
		failed:   make(chan error, 4),
		accepted: make(chan *connection.Connection, 16),
		closed:   make(chan error, 16),
		messages: make(chan *message.Message, 16),
		failures: make(chan error, 16),
	}
}

func (r *serverRecorder) ServerStarted(*Server)                                  { r.started <- struct{}{} }
func (r *serverRecorder) ServerStopped(*Server)                                  { r.stopped <- struct{}{} }
func (r *serverRecorder) ServerFailed(_ *Server, err error)                      { r.failed <- err }
func (r *serverRecorder) ConnectionAccepted(_ *Server, c *connection.Connection) { r.accepted <- c }

func (r *serverRecorder) ConnectionClosed(_ *Server, _ *connection.Connection, err error) {
	r.closed <- err
}

func (r *serverRecorder) MessageReceived(_ *Server, c *connection.Connection, msg *message.Message) {
	if r.onMessage != nil {
		r.onMessage(c, msg)
	}
	r.messages <- msg
}

func (r *serverRecorder) MessageFailed(_ *Server, _ *connection.Connection, err error) {
	r.failures <- err
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New().Start()
	t.Cleanup(loop.Stop)
	return loop
}

func startServer(t *testing.T, loop *eventloop.Loop, cfg Config, rec *serverRecorder, opts ...Option) *Server {
	t.Helper()
	s := New(loop, cfg, append(opts, WithDelegate(rec))...)
	loop.Do(s.Start)
	recv(t, rec.started, "server start")
	t.Cleanup(func() { loop.Do(s.Stop) })
	return s
}

type client struct {
	conn         *connection.Connection
	connected    chan struct{}
	disconnected chan error
	messages     chan *message.Message
}

func dial(t *testing.T, loop *eventloop.Loop, port int) *client {
	t.Helper()
	cl := &client{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan error, 1),
		messages:     make(chan *message.Message, 16),
	}
	cl.conn = connection.NewWithHost(loop, "127.0.0.1", port, connection.WithDelegate(connection.DelegateFuncs{
		OnConnected:       func(*connection.Connection) { cl.connected <- struct{}{} },
		OnDisconnected:    func(_ *connection.Connection, err error) { cl.disconnected <- err },
		OnMessageReceived: func(_ *connection.Connection, msg *message.Message) { cl.messages <- msg },
	}))
	loop.Do(cl.conn.Start)
	recv(t, cl.connected, "client connect")
	t.Cleanup(func() { loop.Do(cl.conn.Cancel) })
	return cl
}

func TestRequestResponse(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	rec.onMessage = func(c *connection.Connection, msg *message.Message) {
		if msg.ExpectsResponse() {
			c.Respond(msg, "pong")
		}
	}
	s := startServer(t, loop, Config{}, rec)
	cl := dial(t, loop, s.Port())
	recv(t, rec.accepted, "accept")

	got := make(chan any, 1)
	loop.Do(func() {
		cl.conn.Send(1, "ping", func(v any, err error) {
			if err != nil {
				t.Errorf("response error: %v", err)
			}
			got <- v
		})
	})

	if v := recv(t, got, "response"); v != "pong" {
		t.Fatalf("response = %v, want pong", v)
	}
	if msg := recv(t, rec.messages, "request"); msg.Command != 1 || msg.Value != "ping" {
		t.Fatalf("request = %v (%v)", msg, msg.Value)
	}
}

func TestBroadcastDisconnectAfterSend(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := startServer(t, loop, Config{DisconnectClientsAfterSend: true}, rec)

	clients := make([]*client, 3)
	for i := range clients {
		clients[i] = dial(t, loop, s.Port())
		recv(t, rec.accepted, "accept")
	}
	if n := len(s.Connections()); n != 3 {
		t.Fatalf("Connections() = %d, want 3", n)
	}

	var err error
	loop.Do(func() { err = s.Broadcast("bye", 5) })
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for i, cl := range clients {
		msg := recv(t, cl.messages, "broadcast")
		if msg.Command != 5 || msg.Value != "bye" || msg.BlockTag != 0 {
			t.Fatalf("client %d got %v (%v)", i, msg, msg.Value)
		}
		recv(t, cl.disconnected, "client disconnect")
	}
	for i := 0; i < 3; i++ {
		if err := recv(t, rec.closed, "connection closed"); err != nil {
			t.Fatalf("ConnectionClosed err = %v, want nil", err)
		}
	}
	expectNone(t, rec.closed, "extra connection closed")

	var n int
	loop.Do(func() { n = len(s.Connections()) })
	if n != 0 {
		t.Fatalf("Connections() = %d after broadcast, want 0", n)
	}
}

func TestBroadcastKeepsConnections(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := startServer(t, loop, Config{}, rec)

	a := dial(t, loop, s.Port())
	b := dial(t, loop, s.Port())
	recv(t, rec.accepted, "accept")
	recv(t, rec.accepted, "accept")

	loop.Do(func() { s.Broadcast(map[string]any{"n": 1.0}, 2) })

	for _, cl := range []*client{a, b} {
		msg := recv(t, cl.messages, "broadcast")
		if m, ok := msg.Value.(map[string]any); !ok || m["n"] != 1.0 {
			t.Fatalf("broadcast value = %#v", msg.Value)
		}
	}
	expectNone(t, rec.closed, "connection closed")
	if n := len(s.Connections()); n != 2 {
		t.Fatalf("Connections() = %d, want 2", n)
	}
}

func TestBroadcastEncodeFailure(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := startServer(t, loop, Config{Codec: &codec.RawCodec{}}, rec)
	dial(t, loop, s.Port())
	recv(t, rec.accepted, "accept")

	var err error
	loop.Do(func() { err = s.Broadcast(42, 1) })
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("Broadcast = %v, want ErrUnsupported", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := New(loop, Config{}, WithDelegate(rec))

	loop.Do(func() {
		s.Start()
		s.Start()
	})
	recv(t, rec.started, "start")
	expectNone(t, rec.started, "second start")
	if !s.Running() || s.Port() == 0 {
		t.Fatalf("Running = %v, Port = %d", s.Running(), s.Port())
	}

	loop.Do(func() {
		s.Stop()
		s.Stop()
	})
	recv(t, rec.stopped, "stop")
	expectNone(t, rec.stopped, "second stop")
	if s.Running() || s.Port() != 0 {
		t.Fatalf("after Stop: Running = %v, Port = %d", s.Running(), s.Port())
	}
}

func TestStopClosesConnections(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := startServer(t, loop, Config{}, rec)
	cl := dial(t, loop, s.Port())
	recv(t, rec.accepted, "accept")

	loop.Do(s.Stop)

	recv(t, rec.closed, "connection closed")
	recv(t, cl.disconnected, "client disconnect")
	if n := len(s.Connections()); n != 0 {
		t.Fatalf("Connections() = %d after Stop, want 0", n)
	}
}

func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	loop := newLoop(t)
	rec := newServerRecorder()
	s := New(loop, Config{Port: ln.Addr().(*net.TCPAddr).Port}, WithDelegate(rec))
	loop.Do(s.Start)

	if err := recv(t, rec.failed, "server failure"); err == nil {
		t.Fatal("ServerFailed with nil error")
	}
	expectNone(t, rec.started, "server start")
	if s.Running() {
		t.Fatal("server running after bind failure")
	}
}

func TestAdvertise(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	reg := registry.NewMemoryRegistry()
	s := startServer(t, loop, Config{ServiceName: "echo", AdvertiseHost: "127.0.0.1"}, rec, WithRegistry(reg))

	ref := registry.Reference{Name: "echo"}
	instances := waitInstances(t, reg, ref, 1)
	if instances[0].Port != s.Port() || instances[0].Type != registry.DefaultServiceType {
		t.Fatalf("advertised %+v, want port %d", instances[0], s.Port())
	}

	// a client can find and reach the server by name
	connected := make(chan struct{}, 1)
	c := connection.NewWithReference(loop, reg, ref, connection.WithDelegate(connection.DelegateFuncs{
		OnConnected: func(*connection.Connection) { connected <- struct{}{} },
	}))
	loop.Do(c.Start)
	recv(t, connected, "connect by reference")
	loop.Do(c.Cancel)

	loop.Do(s.Stop)
	waitInstances(t, reg, ref, 0)
}

func waitInstances(t *testing.T, reg registry.Registry, ref registry.Reference, want int) []registry.Instance {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		instances, err := reg.Discover(t.Context(), ref)
		if err != nil {
			t.Fatalf("Discover: %v", err)
		}
		if len(instances) == want {
			return instances
		}
		if time.Now().After(deadline) {
			t.Fatalf("Discover = %d instances, want %d", len(instances), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMiddlewareRateLimit(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	s := New(loop, Config{}, WithDelegate(rec))
	s.Use(middleware.RecoverMiddleware())
	s.Use(middleware.RateLimitMiddleware(0.001, 1))
	loop.Do(s.Start)
	recv(t, rec.started, "start")
	t.Cleanup(func() { loop.Do(s.Stop) })

	cl := dial(t, loop, s.Port())
	recv(t, rec.accepted, "accept")
	loop.Do(func() {
		cl.conn.SendCommand(1, "first")
		cl.conn.SendCommand(1, "second")
	})

	if msg := recv(t, rec.messages, "first message"); msg.Value != "first" {
		t.Fatalf("first message = %v", msg.Value)
	}
	if err := recv(t, rec.failures, "rate limited"); !errors.Is(err, middleware.ErrRateLimited) {
		t.Fatalf("failure = %v, want ErrRateLimited", err)
	}
	expectNone(t, rec.messages, "second message")
}

// gatedRegistry holds every Advertise until release is closed, then fails it.
type gatedRegistry struct {
	*registry.MemoryRegistry
	entered chan struct{}
	release chan struct{}
}

var errAdvertise = errors.New("advertise refused")

func (r *gatedRegistry) Advertise(ctx context.Context, _ registry.Instance) error {
	r.entered <- struct{}{}
	select {
	case <-r.release:
		return errAdvertise
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAdvertiseFailureAfterStopIgnored(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	reg := &gatedRegistry{
		MemoryRegistry: registry.NewMemoryRegistry(),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	s := startServer(t, loop, Config{ServiceName: "late", AdvertiseHost: "127.0.0.1"}, rec, WithRegistry(reg))
	recv(t, reg.entered, "advertise call")

	loop.Do(s.Stop)
	recv(t, rec.stopped, "server stop")
	close(reg.release)

	expectNone(t, rec.failed, "ServerFailed after Stop")
}

func TestAdvertiseFailureReported(t *testing.T) {
	loop := newLoop(t)
	rec := newServerRecorder()
	reg := &gatedRegistry{
		MemoryRegistry: registry.NewMemoryRegistry(),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	startServer(t, loop, Config{ServiceName: "refused", AdvertiseHost: "127.0.0.1"}, rec, WithRegistry(reg))
	recv(t, reg.entered, "advertise call")
	close(reg.release)

	if err := recv(t, rec.failed, "ServerFailed"); !errors.Is(err, errAdvertise) {
		t.Fatalf("expect errAdvertise, got %v", err)
	}
}
