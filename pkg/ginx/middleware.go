package ginx

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jimyag/jsm/pkg/idgen"
)

// RequestLogger 为每个请求分配 ID，并把带 ID 的 logger 放进请求的 context
// zerolog.Ctx(c) 需要 engine.ContextWithFallback 为 true
func RequestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			var err error
			if id, err = idgen.GenerateRequestID(); err != nil {
				base.Warn().Err(err).Msg("Failed to generate request ID")
			}
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)

		logger := base.With().Str("requestID", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
