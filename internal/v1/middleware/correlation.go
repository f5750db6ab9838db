// Package middleware contains Gin middleware shared by the relay's HTTP
// surface and the WebSocket upgrade endpoint.
package middleware

import (
	"context"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID attaches a correlation ID to each request, generating one
// when the client did not supply its own. The ID is echoed in the response
// header and injected into the request context so every log line emitted
// for the request, including the WebSocket session spawned from an upgrade,
// carries it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)

		// Gin's own store for handlers that read it through c.Get.
		c.Set(string(logging.CorrelationIDKey), correlationID)

		// The request context is where the logging helpers look.
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
