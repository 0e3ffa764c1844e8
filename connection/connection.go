// Package connection implements one end of a framed stream: the connect state
// machine, outbound frame encoding with response correlation, and inbound
// frame decoding.
//
// A Connection is not safe for concurrent use. Every method except the
// read-only accessors State, Connected and ID must be called on the
// connection's event loop, and every delegate callback and ResponseFunc runs
// there too.
//
//	Send(cmd, obj, cb) ──tag++──→ responses[tag] = cb ──→ Stream.Write(header|body)
//	Stream.ReadExactly(12) ──→ header ──→ ReadExactly(bodyLength) ──→ decode
//	    ├── responses[tag] found → cb(value, nil), entry removed
//	    └── otherwise            → Delegate.MessageReceived
package connection

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"async-network/codec"
	"async-network/eventloop"
	"async-network/message"
	"async-network/metrics"
	"async-network/protocol"
	"async-network/registry"
	"async-network/transport"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is the panic value of a send on a connection without a
	// live transport.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrTagCollision is returned when the tag counter wrapped onto a tag that
	// is still waiting for its response.
	ErrTagCollision = errors.New("connection: block tag still outstanding")
	// ErrBodyTooLarge is returned for a body that does not fit a header.
	ErrBodyTooLarge = errors.New("connection: body too large")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateUnconnected State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateDisconnected // terminal
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ResponseFunc receives the response to a Send. It is called at most once:
// with the decoded response, or with the error of a failed write or an
// undecodable response. It is never called after Cancel or a disconnect.
type ResponseFunc func(value any, err error)

var nextID atomic.Uint64

type Connection struct {
	id   uint64
	loop *eventloop.Loop

	// peer
	stream    transport.Stream
	dialer    transport.Dialer
	registry  registry.Registry
	reference *registry.Reference
	picker    registry.Picker
	host      string
	port      int

	timeout  time.Duration
	codec    codec.Codec
	delegate Delegate
	logger   *log.Entry
	metrics  *metrics.Metrics
	maxBody  uint32

	state        atomic.Int32
	currentTag   uint32
	responses    map[uint32]ResponseFunc
	header       protocol.Header // header of the body being read
	connectTimer *eventloop.Timer
}

func newConnection(loop *eventloop.Loop, opts []Option) *Connection {
	c := &Connection{
		id:        nextID.Add(1),
		loop:      loop,
		dialer:    transport.NewTCPDialer(loop, transport.DefaultTCPOptions()),
		timeout:   DefaultTimeout,
		codec:     &codec.JSONCodec{},
		delegate:  DelegateFuncs{},
		maxBody:   protocol.DefaultMaxBodyLength,
		responses: make(map[uint32]ResponseFunc),
	}
	c.logger = log.WithField("component", "connection")
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("conn", c.id)
	return c
}

// NewWithStream wraps an established stream, typically one a listener
// accepted. The connection is Connected and reading when it returns.
func NewWithStream(loop *eventloop.Loop, stream transport.Stream, opts ...Option) *Connection {
	c := newConnection(loop, opts)
	c.stream = stream
	c.logger = c.logger.WithField("remote", stream.RemoteAddr())
	c.setState(StateConnected)
	c.metrics.ConnectionOpened()
	c.readHeader()
	return c
}

// NewWithReference creates a connection to a service found through reg.
// Start resolves the reference before connecting.
func NewWithReference(loop *eventloop.Loop, reg registry.Registry, ref registry.Reference, opts ...Option) *Connection {
	c := newConnection(loop, opts)
	c.registry = reg
	ref = ref.WithDefaults()
	c.reference = &ref
	return c
}

// NewWithHost creates a connection to host:port. Start connects.
func NewWithHost(loop *eventloop.Loop, host string, port int, opts ...Option) *Connection {
	c := newConnection(loop, opts)
	c.host = host
	c.port = port
	return c
}

// SetDelegate replaces the delegate. nil silences every event.
func (c *Connection) SetDelegate(delegate Delegate) {
	if delegate == nil {
		delegate = DelegateFuncs{}
	}
	c.delegate = delegate
}

func (c *Connection) ID() uint64                     { return c.id }
func (c *Connection) State() State                   { return State(c.state.Load()) }
func (c *Connection) Connected() bool                { return c.State() == StateConnected }
func (c *Connection) Host() string                   { return c.host }
func (c *Connection) Port() int                      { return c.port }
func (c *Connection) Timeout() time.Duration         { return c.timeout }
func (c *Connection) Codec() codec.Codec             { return c.codec }
func (c *Connection) Reference() *registry.Reference { return c.reference }

// Pending returns the number of sends still waiting for a response.
func (c *Connection) Pending() int { return len(c.responses) }

// RemoteAddr returns the peer address, or host:port if not connected yet.
func (c *Connection) RemoteAddr() string {
	if c.stream != nil {
		return c.stream.RemoteAddr()
	}
	if c.host == "" {
		return ""
	}
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection{id=%d state=%s remote=%s}", c.id, c.State(), c.RemoteAddr())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Start drives the connection toward Connected. It is a no-op unless the
// connection is Unconnected; a Disconnected connection cannot be restarted.
func (c *Connection) Start() {
	switch c.State() {
	case StateUnconnected:
	case StateDisconnected:
		c.logger.Warn("start on a disconnected connection ignored")
		return
	default:
		return
	}

	if c.reference != nil && c.host == "" {
		c.resolve()
		return
	}
	c.connect()
}

func (c *Connection) resolve() {
	c.setState(StateResolving)
	c.logger.WithField("service", c.reference.String()).Debug("resolving")

	registry.Resolve(c.loop, c.registry, *c.reference, c.timeout, c.picker, func(instance registry.Instance, err error) {
		if c.State() != StateResolving {
			return // cancelled meanwhile
		}
		if err != nil {
			c.metrics.Error(metrics.ErrorResolve)
			c.connectFailed(err)
			return
		}
		c.host, c.port = instance.Host, instance.Port
		c.connect()
	})
}

func (c *Connection) connect() {
	c.setState(StateConnecting)
	addr := c.RemoteAddr()
	c.logger.WithField("addr", addr).Debug("connecting")

	if c.timeout > 0 {
		// the dialer honours the timeout too; this also covers dialers that don't
		c.connectTimer = c.loop.AfterFunc(c.timeout, func() {
			if c.State() == StateConnecting {
				c.connectFailed(fmt.Errorf("%w: %s after %s", transport.ErrTimeout, addr, c.timeout))
			}
		})
	}

	c.dialer.Dial(c.host, c.port, c.timeout, func(stream transport.Stream, err error) {
		if c.State() != StateConnecting {
			if stream != nil {
				stream.Close()
			}
			return
		}
		c.stopConnectTimer()
		if err != nil {
			c.connectFailed(err)
			return
		}

		c.stream = stream
		c.logger = c.logger.WithField("remote", stream.RemoteAddr())
		c.setState(StateConnected)
		c.metrics.ConnectionOpened()
		c.logger.Info("connected")
		c.readHeader()
		c.delegate.Connected(c)
	})
}

func (c *Connection) stopConnectTimer() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

func (c *Connection) connectFailed(err error) {
	c.stopConnectTimer()
	c.setState(StateDisconnected)
	c.metrics.Error(metrics.ErrorConnect)
	c.logger.WithError(err).Warn("connect failed")
	c.delegate.ConnectFailed(c, err)
}

// Cancel disconnects. Pending response callbacks are discarded without being
// called. An attempt still resolving or connecting is abandoned. Cancel on a
// connection that was never started, or is already disconnected, does nothing.
func (c *Connection) Cancel() {
	switch c.State() {
	case StateResolving, StateConnecting:
		c.stopConnectTimer()
		c.setState(StateDisconnected)
		c.logger.Debug("connect attempt cancelled")
		c.delegate.Disconnected(c, nil)
	case StateConnected:
		c.teardown(nil)
	}
}

// teardown moves an established connection to Disconnected and reports it once.
func (c *Connection) teardown(err error) {
	c.setState(StateDisconnected)
	if n := len(c.responses); n > 0 {
		c.metrics.CallbacksRemoved(n)
		clear(c.responses)
	}
	c.stream.Close()
	c.metrics.ConnectionClosed()

	entry := c.logger
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("disconnected")
	c.delegate.Disconnected(c, err)
}

func (c *Connection) transportError(err error) {
	// a peer closing between frames is an orderly shutdown
	if errors.Is(err, io.EOF) {
		c.teardown(nil)
		return
	}
	c.metrics.Error(metrics.ErrorTransport)
	c.teardown(err)
}

// Send writes object as a command frame. With a callback, the frame carries a
// fresh block tag and callback receives the peer's response to it; without
// one, the tag is 0 and no response is expected.
//
// Send never blocks. An encode failure or a tag collision is returned and
// registers nothing. Send panics with ErrNotConnected if the connection is
// not Connected.
func (c *Connection) Send(command uint32, object any, callback ResponseFunc) error {
	_, err := c.SendRequest(command, object, callback)
	return err
}

// SendRequest is Send that also returns the block tag the frame carries, 0
// when callback is nil. The tag can be handed to Forget.
func (c *Connection) SendRequest(command uint32, object any, callback ResponseFunc) (uint32, error) {
	c.mustBeConnected()

	body, err := c.encode(object)
	if err != nil {
		return 0, err
	}

	var tag uint32
	if callback != nil {
		if tag, err = c.nextTag(); err != nil {
			return 0, err
		}
		c.responses[tag] = callback
		c.metrics.CallbackAdded()
	}

	c.write(command, tag, body, func(err error) {
		c.writeFailed(tag, err)
	})
	return tag, nil
}

// Forget drops the callback waiting for tag without calling it and reports
// whether one was waiting. A response that still arrives for tag is then
// delivered to the delegate as an unsolicited message.
func (c *Connection) Forget(tag uint32) bool {
	_, ok := c.takeResponse(tag)
	return ok
}

// SendCommand sends a command that expects no response.
func (c *Connection) SendCommand(command uint32, object any) error {
	return c.Send(command, object, nil)
}

// SendObject sends object under command 0, expecting no response.
func (c *Connection) SendObject(object any) error {
	return c.Send(0, object, nil)
}

// Respond answers request, echoing its command and block tag.
func (c *Connection) Respond(request *message.Message, object any) error {
	return c.SendFrame(request.Command, request.BlockTag, object, nil)
}

// SendFrame writes one frame with an explicit block tag and registers no
// callback. done, if set, runs on the loop once the write completed or failed.
// A failed write without done is reported to the delegate.
func (c *Connection) SendFrame(command, blockTag uint32, object any, done func(error)) error {
	c.mustBeConnected()

	body, err := c.encode(object)
	if err != nil {
		return err
	}
	c.write(command, blockTag, body, func(err error) {
		if done != nil {
			done(err)
			return
		}
		c.writeFailed(0, err)
	})
	return nil
}

func (c *Connection) mustBeConnected() {
	if c.stream == nil || c.State() != StateConnected {
		panic(fmt.Errorf("%w: %s", ErrNotConnected, c))
	}
}

func (c *Connection) encode(object any) ([]byte, error) {
	body, err := c.codec.Encode(object)
	if err != nil {
		return nil, fmt.Errorf("connection: encode: %w", err)
	}
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	return body, nil
}

// nextTag allocates the next block tag, skipping 0 on wraparound.
func (c *Connection) nextTag() (uint32, error) {
	tag := c.currentTag + 1
	if tag == 0 {
		tag = 1
	}
	c.currentTag = tag
	if _, busy := c.responses[tag]; busy {
		return 0, fmt.Errorf("%w: %d", ErrTagCollision, tag)
	}
	return tag, nil
}

// write hands header and body to the stream as one logical write. fn runs
// with the write outcome unless the connection was torn down meanwhile.
func (c *Connection) write(command, tag uint32, body []byte, fn func(error)) {
	header := protocol.Header{Command: command, BlockTag: tag, BodyLength: uint32(len(body))}
	size := len(body)

	c.logger.WithField("command", command).WithField("tag", tag).WithField("size", size).Debug("send frame")
	c.stream.Write(net.Buffers{header.Marshal(), body}, func(err error) {
		if c.State() != StateConnected {
			return
		}
		if err == nil {
			c.metrics.FrameSent(size)
		} else {
			c.metrics.Error(metrics.ErrorWrite)
		}
		fn(err)
	})
}

func (c *Connection) writeFailed(tag uint32, err error) {
	if err == nil {
		return
	}
	if tag != 0 {
		if callback, ok := c.responses[tag]; ok {
			delete(c.responses, tag)
			c.metrics.CallbacksRemoved(1)
			callback(nil, err)
			return
		}
	}
	c.logger.WithError(err).Warn("write failed")
	c.delegate.MessageFailed(c, err)
}

func (c *Connection) readHeader() {
	c.stream.ReadExactly(protocol.HeaderSize, c.onHeader)
}

func (c *Connection) onHeader(data []byte, err error) {
	if c.State() != StateConnected {
		return
	}
	if err != nil {
		c.transportError(err)
		return
	}

	header, err := protocol.ParseHeader(data)
	if err == nil {
		err = header.Check(c.maxBody)
	}
	if err != nil {
		// the stream position is lost; nothing after this can be framed
		c.transportError(err)
		return
	}
	c.header = header
	c.stream.ReadExactly(int(header.BodyLength), c.onBody)
}

func (c *Connection) onBody(data []byte, err error) {
	if c.State() != StateConnected {
		return
	}
	if err != nil {
		c.transportError(err)
		return
	}

	header := c.header
	c.metrics.FrameReceived(len(data))
	entry := c.logger.WithField("command", header.Command).WithField("tag", header.BlockTag)
	entry.WithField("size", len(data)).Debug("received frame")

	// issue the next read first so a callback that cancels finds it pending
	c.readHeader()

	value, err := c.codec.Decode(data)
	if err != nil {
		err = fmt.Errorf("connection: frame command=%d tag=%d: %w", header.Command, header.BlockTag, err)
		c.metrics.Error(metrics.ErrorDecode)
		entry.WithError(err).Warn("dropped undecodable frame")
		if callback, ok := c.takeResponse(header.BlockTag); ok {
			callback(nil, err)
		}
		if c.State() == StateConnected {
			c.delegate.MessageFailed(c, err)
		}
		return
	}

	if callback, ok := c.takeResponse(header.BlockTag); ok {
		callback(value, nil)
		return
	}
	c.metrics.Unsolicited()
	c.delegate.MessageReceived(c, &message.Message{
		Command:  header.Command,
		BlockTag: header.BlockTag,
		Value:    value,
		Size:     len(data),
	})
}

// takeResponse removes and returns the callback waiting for tag.
func (c *Connection) takeResponse(tag uint32) (ResponseFunc, bool) {
	if tag == 0 {
		return nil, false
	}
	callback, ok := c.responses[tag]
	if ok {
		delete(c.responses, tag)
		c.metrics.CallbacksRemoved(1)
	}
	return callback, ok
}
