package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"async-network/eventloop"

	log "github.com/sirupsen/logrus"
)

// readChunk is the largest read allocated up front. Longer reads grow their
// buffer as bytes arrive, so a peer declaring a huge body costs nothing until
// it actually sends it.
const readChunk = 64 << 10

type readReq struct {
	n  int
	fn ReadFunc
}

type writeReq struct {
	bufs net.Buffers
	fn   WriteFunc
}

// requestQueue is an unbounded FIFO so that enqueueing never blocks the loop.
type requestQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newRequestQueue[T any]() *requestQueue[T] {
	return &requestQueue[T]{signal: make(chan struct{}, 1)}
}

func (q *requestQueue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *requestQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close rejects further pushes and returns whatever was still queued.
func (q *requestQueue[T]) close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

// stream adapts any io.ReadWriteCloser to the asynchronous Stream interface.
type stream struct {
	loop   *eventloop.Loop
	rwc    io.ReadWriteCloser
	local  string
	remote string
	logger *log.Entry

	reads  *requestQueue[readReq]
	writes *requestQueue[writeReq]

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream wraps an established net.Conn. Callbacks are posted on loop.
func NewStream(loop *eventloop.Loop, conn net.Conn) Stream {
	return newStream(loop, conn, conn.LocalAddr().String(), conn.RemoteAddr().String())
}

func newStream(loop *eventloop.Loop, rwc io.ReadWriteCloser, local, remote string) *stream {
	s := &stream{
		loop:   loop,
		rwc:    rwc,
		local:  local,
		remote: remote,
		logger: log.WithFields(log.Fields{"component": "transport", "remote": remote}),
		reads:  newRequestQueue[readReq](),
		writes: newRequestQueue[writeReq](),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *stream) ReadExactly(n int, fn ReadFunc) {
	if n < 0 {
		panic(fmt.Sprintf("transport: negative read size %d", n))
	}
	if !s.reads.push(readReq{n: n, fn: fn}) {
		s.loop.Post(func() { fn(nil, ErrClosed) })
	}
}

func (s *stream) Write(bufs net.Buffers, fn WriteFunc) {
	if !s.writes.push(writeReq{bufs: bufs, fn: fn}) && fn != nil {
		s.loop.Post(func() { fn(ErrClosed) })
	}
}

func (s *stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.rwc.Close(); err != nil {
			s.logger.WithError(err).Debug("close stream")
		}
	})
}

func (s *stream) RemoteAddr() string {
	return s.remote
}

func (s *stream) LocalAddr() string {
	return s.local
}

func (s *stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// readLoop serves read requests one after another. A single reader is
// required: frame boundaries are only known to whoever consumed the bytes
// before them.
func (s *stream) readLoop() {
	for {
		select {
		case <-s.reads.signal:
		case <-s.closed:
			for _, req := range s.reads.close() {
				s.complete(req.fn, nil, ErrClosed)
			}
			return
		}

		for _, req := range s.reads.drain() {
			if s.isClosed() {
				s.complete(req.fn, nil, ErrClosed)
				continue
			}
			buf, err := s.readFull(req.n)
			if err != nil {
				err = s.readError(err)
				s.complete(req.fn, nil, err)
				s.Close()
				continue
			}
			s.complete(req.fn, buf, nil)
		}
	}
}

// readFull reads exactly n bytes with io.ReadFull semantics: io.EOF when
// nothing was read, io.ErrUnexpectedEOF when the stream ended part way.
func (s *stream) readFull(n int) ([]byte, error) {
	if n <= readChunk {
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.rwc, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	read, err := io.CopyN(&buf, s.rwc, int64(n))
	switch {
	case err == nil:
		return buf.Bytes(), nil
	case errors.Is(err, io.EOF) && read > 0:
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

func (s *stream) complete(fn ReadFunc, data []byte, err error) {
	s.loop.Post(func() { fn(data, err) })
}

func (s *stream) readError(err error) error {
	switch {
	case s.isClosed():
		return ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return fmt.Errorf("transport: read from %s: %w", s.remote, err)
	}
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.writes.signal:
		case <-s.closed:
			for _, req := range s.writes.close() {
				s.writeDone(req.fn, ErrClosed)
			}
			return
		}

		for _, req := range s.writes.drain() {
			if s.isClosed() {
				s.writeDone(req.fn, ErrClosed)
				continue
			}
			if _, err := req.bufs.WriteTo(s.rwc); err != nil {
				if s.isClosed() {
					err = ErrClosed
				} else {
					err = fmt.Errorf("transport: write to %s: %w", s.remote, err)
				}
				s.writeDone(req.fn, err)
				s.Close()
				continue
			}
			s.writeDone(req.fn, nil)
		}
	}
}

func (s *stream) writeDone(fn WriteFunc, err error) {
	if fn == nil {
		return
	}
	s.loop.Post(func() { fn(err) })
}
