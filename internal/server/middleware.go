package server

import (
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tutor/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// JSONMiddleware answers in JSON and refuses request bodies declared as
// anything else. A missing Content-Type is accepted.
func JSONMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		if c.Request.ContentLength != 0 && hasBody(c.Request.Method) {
			if ct := c.GetHeader("Content-Type"); ct != "" {
				if media, _, err := mime.ParseMediaType(ct); err != nil || media != "application/json" {
					c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
						Error: "Content-Type must be application/json",
					})
					return
				}
			}
		}
		c.Next()
	}
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// RequestLogger tags each request with an id, echoed in X-Request-ID, and
// logs its outcome. Server errors log at warn, everything else at debug.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		log := logger.Debug
		if status >= http.StatusInternalServerError {
			log = logger.Warn
		}
		log("HTTP %s %s -> %d in %s [%s]", c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Microsecond), id)
	}
}
