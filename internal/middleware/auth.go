package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/auth"
)

const operatorContextKey = "operator"

func OperatorFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(operatorContextKey)
	if !ok {
		return "", false
	}
	value, ok := v.(string)
	return value, ok && value != ""
}

// RequireAuth accepts a bearer token in the Authorization header, or in the
// token query parameter for browser websocket clients. With no secret
// configured every request passes.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled() {
			c.Next()
			return
		}

		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(tokenString, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(operatorContextKey, claims.Operator)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
