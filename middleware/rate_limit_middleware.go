package middleware

import (
	"context"
	"errors"
	"fmt"

	"async-network/connection"
	"async-network/message"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware drops messages beyond r per second (token bucket with
// the given burst). The limit is shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *connection.Connection, msg *message.Message) error {
			if !limiter.Allow() {
				return fmt.Errorf("%w: %s", ErrRateLimited, msg)
			}
			return next(ctx, c, msg)
		}
	}
}
