package middleware

import (
	"context"
	"fmt"

	"async-network/connection"
	"async-network/message"
)

// RecoverMiddleware turns a panicking handler into a failed message instead
// of letting the panic reach the event loop.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *connection.Connection, msg *message.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("middleware: handler panicked on %s: %v", msg, r)
				}
			}()
			return next(ctx, c, msg)
		}
	}
}
