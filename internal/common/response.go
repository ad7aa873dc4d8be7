package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Business codes. The first three digits mirror the HTTP status.
const (
	CodeOK             = 0
	CodeInvalidJSON    = 10001
	CodeMissingSession = 40001
	CodeEmptyMessage   = 40002
	CodeInvalidFile    = 40003
	CodeNoFiles        = 40004
	CodeNotFound       = 40400
	CodeNoMethod       = 40500
	CodeInternal       = 50000
	CodeStorage        = 50001
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// Abort is Fail for middleware: it also stops the handler chain.
func Abort(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
