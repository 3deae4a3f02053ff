package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"podforge/internal/identity"
	"podforge/internal/logging"
)

const accessContextKey = "podforge.access"

// authMiddleware resolves the bearer token into an AccessContext and aborts
// unauthenticated requests. Handlers past this point can assume a tenant.
func authMiddleware(resolver *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		actx, err := resolver.ResolveBearer(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(accessContextKey, actx)
		c.Next()
	}
}

func accessFrom(c *gin.Context) identity.AccessContext {
	value, _ := c.Get(accessContextKey)
	actx, _ := value.(identity.AccessContext)
	return actx
}

// requestLogger tags every request with an id and emits one line per
// request in the daemon's structured format.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Header("X-Request-ID", requestID)
		start := time.Now()

		c.Next()

		logger.InfoContext(c.Request.Context(), "http request",
			logging.String(logging.FieldRequestID, requestID),
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)))
	}
}
