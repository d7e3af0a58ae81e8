package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/tiltvault/tiltvault-cloud/pkg/telemetry/correlation"
)

const requestIDHeader = "X-Request-Id"

// RequestID ensures every request carries a correlation ID, honoring one
// supplied by the caller. The ID rides the request context into admission
// and onto the queued job, so a payment can be traced from delivery to
// settlement.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		ctx := c.Request.Context()
		if id != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, id)
		} else {
			ctx, id = correlation.EnsureCorrelationID(ctx)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}
