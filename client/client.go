// Package client is a blocking facade over a Connection for callers that do
// not run on the event loop, such as the CLI and scripts.
//
// Every Client method may be called from any goroutine; the work is handed to
// the loop and the caller waits for its outcome.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"async-network/connection"
	"async-network/eventloop"
	"async-network/message"
	"async-network/registry"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// ErrConnectionClosed fails calls that were pending, or made, after the
// connection ended.
var ErrConnectionClosed = errors.New("client: connection closed")

// incomingBuffer is how many unsolicited messages are kept for Messages.
const incomingBuffer = 64

// Target locates the server: a host and port, or a reference looked up in
// Registry.
type Target struct {
	Host string
	Port int

	Registry  registry.Registry
	Reference registry.Reference
}

func (t Target) String() string {
	if t.Registry != nil {
		return t.Reference.String()
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

type result struct {
	value any
	err   error
}

type Client struct {
	loop   *eventloop.Loop
	conn   *connection.Connection
	logger *log.Entry

	waiters  *xsync.MapOf[uint64, chan result]
	nextID   atomic.Uint64
	incoming chan *message.Message
	// tags of calls given up on, whose late responses are dropped; loop only
	abandoned map[uint32]struct{}

	connected chan error
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to target and waits until the connection is established, has
// failed, or ctx is done. The options configure the underlying Connection;
// its delegate is owned by the Client.
func Dial(ctx context.Context, loop *eventloop.Loop, target Target, opts ...connection.Option) (*Client, error) {
	c := &Client{
		loop:      loop,
		logger:    log.WithField("component", "client").WithField("target", target.String()),
		waiters:   xsync.NewMapOf[uint64, chan result](),
		incoming:  make(chan *message.Message, incomingBuffer),
		abandoned: make(map[uint32]struct{}),
		connected: make(chan error, 1),
		closed:    make(chan struct{}),
	}

	opts = append(opts, connection.WithDelegate(c))
	if target.Registry != nil {
		c.conn = connection.NewWithReference(loop, target.Registry, target.Reference, opts...)
	} else {
		c.conn = connection.NewWithHost(loop, target.Host, target.Port, opts...)
	}

	if !loop.Post(c.conn.Start) {
		return nil, ErrConnectionClosed
	}
	select {
	case err := <-c.connected:
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", target, err)
		}
		return c, nil
	case <-ctx.Done():
		loop.Post(c.conn.Cancel)
		return nil, ctx.Err()
	}
}

// Connection returns the underlying connection. Use it only on the loop.
func (c *Client) Connection() *connection.Connection { return c.conn }

// Messages delivers frames the server sent on its own. When the buffer is full
// new messages are dropped.
func (c *Client) Messages() <-chan *message.Message { return c.incoming }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err returns why the connection ended, nil while open or after Close.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Call sends object and waits for the correlated response. When ctx ends
// first, the pending response is released and a late reply is discarded.
func (c *Client) Call(ctx context.Context, command uint32, object any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan result, 1)
	c.waiters.Store(id, ch)

	var tag uint32
	var sendErr error
	ran := c.loop.Do(func() {
		if !c.conn.Connected() {
			sendErr = ErrConnectionClosed
			return
		}
		tag, sendErr = c.conn.SendRequest(command, object, func(value any, err error) {
			if ch, ok := c.waiters.LoadAndDelete(id); ok {
				ch <- result{value: value, err: err}
			}
		})
	})
	if !ran {
		sendErr = ErrConnectionClosed
	}
	if sendErr != nil {
		c.waiters.Delete(id)
		return nil, sendErr
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		c.waiters.Delete(id)
		c.loop.Post(func() { c.forget(tag) })
		return nil, ctx.Err()
	}
}

// forget releases the connection's callback for tag. Runs on the loop.
func (c *Client) forget(tag uint32) {
	if c.conn.Forget(tag) {
		c.abandoned[tag] = struct{}{}
	}
}

// Send writes a command that expects no response and waits until it has been
// written.
func (c *Client) Send(ctx context.Context, command uint32, object any) error {
	done := make(chan error, 1)
	var sendErr error
	ran := c.loop.Do(func() {
		if !c.conn.Connected() {
			sendErr = ErrConnectionClosed
			return
		}
		sendErr = c.conn.SendFrame(command, 0, object, func(err error) { done <- err })
	})
	if !ran {
		return ErrConnectionClosed
	}
	if sendErr != nil {
		return sendErr
	}

	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects. Pending calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.loop.Do(c.conn.Cancel)
	return nil
}

// The methods below make Client the connection's delegate; they run on the loop.

func (c *Client) Connected(*connection.Connection) {
	c.connected <- nil
}

func (c *Client) ConnectFailed(_ *connection.Connection, err error) {
	c.connected <- err
}

func (c *Client) Disconnected(_ *connection.Connection, err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
	clear(c.abandoned)
	c.waiters.Range(func(id uint64, _ chan result) bool {
		if ch, ok := c.waiters.LoadAndDelete(id); ok {
			ch <- result{err: ErrConnectionClosed}
		}
		return true
	})
	if err != nil {
		c.logger.WithError(err).Warn("connection lost")
	}
}

func (c *Client) MessageReceived(_ *connection.Connection, msg *message.Message) {
	if _, ok := c.abandoned[msg.BlockTag]; ok && msg.BlockTag != 0 {
		delete(c.abandoned, msg.BlockTag)
		c.logger.WithField("tag", msg.BlockTag).Debug("late response to an abandoned call dropped")
		return
	}
	select {
	case c.incoming <- msg:
	default:
		c.logger.WithField("message", msg.String()).Warn("incoming buffer full, message dropped")
	}
}

func (c *Client) MessageFailed(_ *connection.Connection, err error) {
	c.logger.WithError(err).Warn("message failed")
}
