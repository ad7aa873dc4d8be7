package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/common"
	"github.com/suPer8Hu/kitbot/internal/logging"
)

func Recovery(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				lg := logging.With(c.Request.Context(), base)
				lg.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				if c.Writer.Written() {
					// mid-stream; nothing sensible left to send
					c.Abort()
					return
				}
				common.Abort(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			}
		}()
		c.Next()
	}
}
