package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/domain"
)

// Auth checks the API key from X-API-Key or a bearer token
func Auth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// No key configured means the API is open
		if apiKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     domain.ErrUnauthorized.Error(),
				"retryable": false,
			})
			return
		}

		c.Next()
	}
}
