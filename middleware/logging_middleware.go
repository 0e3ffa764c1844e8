package middleware

import (
	"context"
	"time"

	"async-network/connection"
	"async-network/message"

	log "github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every message with its handling time. A nil logger
// uses the standard logger.
func LoggingMiddleware(logger *log.Entry) Middleware {
	if logger == nil {
		logger = log.WithField("component", "middleware")
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *connection.Connection, msg *message.Message) error {
			start := time.Now()
			err := next(ctx, c, msg)
			entry := logger.WithFields(log.Fields{
				"conn":     c.ID(),
				"command":  msg.Command,
				"tag":      msg.BlockTag,
				"size":     msg.Size,
				"duration": time.Since(start),
			})
			if err != nil {
				entry.WithError(err).Warn("message handling failed")
			} else {
				entry.Debug("message handled")
			}
			return err
		}
	}
}
