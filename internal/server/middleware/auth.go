package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/meterly/cost-ledger-api/pkg/api"
)

// Auth checks for a valid Bearer token in the Authorization header
// against the statically configured API keys.
func Auth(staticKeys []string) gin.HandlerFunc {
	keyMap := make(map[string]bool)
	for _, k := range staticKeys {
		keyMap[k] = true
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.UnauthorizedError("Missing Authorization header"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.UnauthorizedError("Invalid Authorization header format"))
			return
		}

		if !keyMap[parts[1]] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.UnauthorizedError("Invalid API Key"))
			return
		}

		c.Next()
	}
}
