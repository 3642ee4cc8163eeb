package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"hospsurvey/internal/audit"
)

const requestIDHeader = "X-Request-Id"

// RequestID tags the request and seeds the audit request info every entry
// written while serving it will carry.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(requestIDHeader, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		ctx := audit.WithRequest(c.Request.Context(), audit.RequestInfo{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: requestID,
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
