// Package middleware wraps the server's handling of inbound messages.
//
// Handlers run on the event loop, one message at a time per server, so a
// middleware must not block.
package middleware

import (
	"context"

	"async-network/connection"
	"async-network/message"
)

// HandlerFunc handles one inbound message. A returned error is reported to
// the server delegate as a failed message; the connection stays open.
type HandlerFunc func(ctx context.Context, c *connection.Connection, msg *message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one added runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
