package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of responses that carry live session state.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
