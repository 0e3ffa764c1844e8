// Package transport implements the asynchronous byte-stream adapter used by
// connections and servers.
//
// A Stream never blocks its caller: ReadExactly and Write enqueue a request
// and return. One reader goroutine and one writer goroutine per stream do the
// blocking I/O and post every completion back onto the owning event loop, so
// callbacks always run in the loop's execution context.
//
//	Connection ──ReadExactly(12)──→ reader goroutine ──io.ReadFull──→ Post(fn(header))
//	Connection ──Write(frame)─────→ writer goroutine ──net.Buffers──→ Post(fn(err))
//
// Reads complete strictly in the order they were requested, so frames on one
// stream are never reordered or interleaved.
package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrClosed is reported for reads and writes on a closed stream, and wraps
	// the error of a stream the peer closed (including a close mid-frame).
	ErrClosed = errors.New("transport: stream closed")
	// ErrTimeout wraps a connect attempt that did not finish in time.
	ErrTimeout = errors.New("transport: connect timed out")
)

// ReadFunc receives exactly the requested number of bytes, or an error.
type ReadFunc func(data []byte, err error)

// WriteFunc receives the outcome of a write.
type WriteFunc func(err error)

// Stream is one established byte stream.
type Stream interface {
	// ReadExactly reads exactly n bytes and reports them on the loop.
	ReadExactly(n int, fn ReadFunc)
	// Write writes all buffers as one logical write. fn may be nil.
	Write(bufs net.Buffers, fn WriteFunc)
	// Close tears the stream down. Outstanding requests complete with ErrClosed.
	Close()
	RemoteAddr() string
	LocalAddr() string
}

// Dialer opens outbound streams.
type Dialer interface {
	// Dial connects to host:port. A timeout of 0 means no timeout.
	Dial(host string, port int, timeout time.Duration, fn func(Stream, error))
}

// Listener accepts inbound streams.
type Listener interface {
	// Listen binds port (0 = let the OS choose) and reports every accepted
	// stream on the loop.
	Listen(port int, accept func(Stream)) error
	// Port returns the bound port, 0 if not listening.
	Port() int
	Close() error
}
