// Package eventloop provides the single execution context that drives every
// Connection and Server.
//
// All protocol state is mutated only from functions running on the loop.
// Transports and discovery lookups run their blocking I/O on their own
// goroutines and Post the completion back onto the loop, so the core never
// needs a lock around its pending-callback maps or connection sets.
//
//	reader goroutine ──Post(read done)──┐
//	writer goroutine ──Post(write done)─┼──→ queue ──→ loop goroutine ──→ Connection / Server
//	resolver         ──Post(resolved)───┘
package eventloop

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize is the initial capacity of the pending function queue.
const DefaultQueueSize = 4096

// Loop runs posted functions one at a time, in the order they were posted.
type Loop struct {
	wake   chan struct{} // capacity 1; signals that pending is non-empty
	done   chan struct{}
	logger *log.Entry

	mu      sync.Mutex // guards pending and closed
	pending []func()
	closed  bool
	started atomic.Bool
	stopped chan struct{}
}

type Option func(*Loop)

// WithQueueSize sets the initial capacity of the pending function queue. The
// queue grows past it; Post never blocks.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.pending = make([]func(), 0, n)
		}
	}
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(logger *log.Entry) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a loop. Call Start before posting work that must run.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		pending: make([]func(), 0, DefaultQueueSize),
		logger:  log.WithField("component", "eventloop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (l *Loop) Start() *Loop {
	if l.started.CompareAndSwap(false, true) {
		go l.run()
	}
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	var batch []func()
	for {
		select {
		case <-l.wake:
			batch = l.take(batch)
			for i, fn := range batch {
				batch[i] = nil
				l.exec(fn)
			}
		case <-l.done:
			// drain what was posted before Stop
			for {
				batch = l.take(batch)
				if len(batch) == 0 {
					return
				}
				for i, fn := range batch {
					batch[i] = nil
					l.exec(fn)
				}
			}
		}
	}
}

// take swaps the pending queue with the emptied previous batch, so the two
// slices are reused instead of reallocated.
func (l *Loop) take(prev []func()) []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = prev[:0]
	return batch
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Errorf("recovered panic in loop function\n%s", debug.Stack())
		}
	}()
	fn()
}

// Post schedules fn on the loop. It returns false if the loop was stopped.
// Post never blocks and never runs fn synchronously, so functions running on
// the loop may post to it freely.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. Calling Do from a function that
// is itself running on the loop deadlocks.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.stopped:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop ends the loop after the functions already queued have run. It does
// not wait for the loop goroutine; use Done for that. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	if l.started.CompareAndSwap(false, true) {
		// never started: nothing will drain the queue
		close(l.stopped)
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Timer is a pending AfterFunc call.
type Timer struct {
	t *time.Timer
}

// Stop prevents the timer from posting its function. It reports whether the
// call stopped the timer before it fired.
func (t *Timer) Stop() bool {
	return t.t.Stop()
}

// AfterFunc posts fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}
