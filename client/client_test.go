package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"async-network/connection"
	"async-network/eventloop"
	"async-network/loadbalance"
	"async-network/message"
	"async-network/registry"
	"async-network/server"
)

const (
	cmdAdd    = 1
	cmdIgnore = 2
	cmdSlow   = 3

	slowDelay = 200 * time.Millisecond
)

// startServer runs a server that answers cmdAdd with the sum of the two
// numbers it was sent, echoes cmdSlow after slowDelay and never answers
// cmdIgnore.
func startServer(t testing.TB, loop *eventloop.Loop, cfg server.Config, opts ...server.Option) *server.Server {
	t.Helper()
	started := make(chan struct{}, 1)
	d := server.DelegateFuncs{
		OnServerStarted: func(*server.Server) { started <- struct{}{} },
		OnMessageReceived: func(_ *server.Server, c *connection.Connection, msg *message.Message) {
			if !msg.ExpectsResponse() {
				return
			}
			if msg.Command == cmdSlow {
				loop.AfterFunc(slowDelay, func() {
					if c.Connected() {
						c.Respond(msg, msg.Value)
					}
				})
				return
			}
			if msg.Command != cmdAdd {
				return
			}
			args := msg.Value.([]any)
			c.Respond(msg, args[0].(float64)+args[1].(float64))
		},
	}
	svr := server.New(loop, cfg, append(opts, server.WithDelegate(d))...)
	loop.Do(svr.Start)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() { loop.Do(svr.Stop) })
	return svr
}

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New().Start()
	t.Cleanup(loop.Stop)
	return loop
}

func dial(t *testing.T, loop *eventloop.Loop, port int) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, loop, Target{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	reply, err := c.Call(context.Background(), cmdAdd, []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if reply != 3.0 {
		t.Fatalf("expect 3, got %v", reply)
	}

	reply, err = c.Call(context.Background(), cmdAdd, []int{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if reply != 30.0 {
		t.Fatalf("expect 30, got %v", reply)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := c.Call(context.Background(), cmdAdd, []int{i, i})
			if err != nil {
				errs <- err
				return
			}
			if reply != float64(2*i) {
				errs <- fmt.Errorf("call %d: expect %d, got %v", i, 2*i, reply)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClientCallContextTimeout(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, cmdIgnore, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if n := c.waiters.Size(); n != 0 {
		t.Fatalf("expect no waiters left, got %d", n)
	}
}

func TestClientCallTimeoutReleasesResponse(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	ctx, cancel := context.WithTimeout(context.Background(), slowDelay/4)
	defer cancel()
	if _, err := c.Call(ctx, cmdSlow, "late"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}

	// the release was posted before this runs
	var pending int
	loop.Do(func() { pending = c.conn.Pending() })
	if pending != 0 {
		t.Fatalf("Pending = %d after the call gave up, want 0", pending)
	}

	select {
	case msg := <-c.Messages():
		t.Fatalf("late response surfaced as a message: %v", msg)
	case <-time.After(2 * slowDelay):
	}
	var abandoned int
	loop.Do(func() { abandoned = len(c.abandoned) })
	if abandoned != 0 {
		t.Fatalf("expect the late response to clear its tag, %d left", abandoned)
	}

	reply, err := c.Call(context.Background(), cmdAdd, []int{2, 2})
	if err != nil || reply != 4.0 {
		t.Fatalf("call after timeout: %v, %v", reply, err)
	}
}

func TestClientCallFailsOnDisconnect(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), cmdIgnore, "x")
		errc <- err
	}()

	// stop once the request has been sent
	deadline := time.Now().Add(3 * time.Second)
	for pending := 0; pending == 0 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		loop.Do(func() { pending = c.conn.Pending() })
	}
	loop.Do(svr.Stop)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expect ErrConnectionClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("call did not fail after disconnect")
	}

	<-c.Done()
	if _, err := c.Call(context.Background(), cmdAdd, []int{1, 1}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("call after disconnect: expect ErrConnectionClosed, got %v", err)
	}
	if err := c.Send(context.Background(), cmdAdd, nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send after disconnect: expect ErrConnectionClosed, got %v", err)
	}
}

func TestClientMessages(t *testing.T) {
	loop := newLoop(t)
	svr := startServer(t, loop, server.Config{})
	c := dial(t, loop, svr.Port())

	// wait until the server has the connection
	deadline := time.Now().Add(3 * time.Second)
	for len(svr.Connections()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Send(context.Background(), cmdIgnore, "hello"); err != nil {
		t.Fatal(err)
	}
	loop.Do(func() { svr.Broadcast("news", 7) })

	select {
	case msg := <-c.Messages():
		if msg.Command != 7 || msg.Value != "news" {
			t.Fatalf("unexpected message %v (%v)", msg, msg.Value)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	loop := newLoop(t)
	if _, err := Dial(context.Background(), loop, Target{Host: "127.0.0.1", Port: port}, connection.WithTimeout(time.Second)); err == nil {
		t.Fatal("expect dial error")
	}
}

func TestDialByReference(t *testing.T) {
	loop := newLoop(t)
	reg := registry.NewMemoryRegistry()
	cfg := server.Config{ServiceName: "adder", AdvertiseHost: "127.0.0.1"}
	startServer(t, loop, cfg, server.WithRegistry(reg))

	ref := registry.Reference{Name: "adder"}
	deadline := time.Now().Add(3 * time.Second)
	for {
		instances, _ := reg.Discover(context.Background(), ref)
		if len(instances) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service was not advertised")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, loop, Target{Registry: reg, Reference: ref},
		connection.WithBalancer(&loadbalance.RoundRobinBalancer{}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	reply, err := c.Call(ctx, cmdAdd, []int{5, 7})
	if err != nil {
		t.Fatal(err)
	}
	if reply != 12.0 {
		t.Fatalf("expect 12, got %v", reply)
	}
}
