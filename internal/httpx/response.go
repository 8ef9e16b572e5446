package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

func Err(c *gin.Context, code int, msg any) {
	c.JSON(code, gin.H{"error": msg})
}

func Forbidden(c *gin.Context, msg any) {
	Err(c, http.StatusForbidden, msg)
}
