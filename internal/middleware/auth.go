package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	APIKeyHeader = "X-API-Key"
	UserIDHeader = "X-User-ID"

	userIDKey = "user_id"
)

// APIKeyAuth rejects requests without one of keys in X-API-Key. With no
// keys configured every request passes.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(valid) == 0 {
			c.Next()
			return
		}

		apiKey := c.GetHeader(APIKeyHeader)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		for _, k := range valid {
			if subtle.ConstantTimeCompare(k, []byte(apiKey)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
	}
}

// RequireUser reads the acting user from X-User-ID and makes it available
// to ExtractUserID.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user id"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// ExtractUserID gets the user set by RequireUser.
func ExtractUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
