package middleware

import (
	"runtime/debug"

	apperrors "github.com/blockcart/server/internal/shared/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery returns a middleware that recovers from panics.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
					zap.String("stack", string(debug.Stack())),
				)

				appErr := apperrors.Internal("internal server error", nil)
				c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
			}
		}()
		c.Next()
	}
}
