package middleware

import (
	"net/http"
	"strings"

	"github.com/edirooss/procd/internal/service"
	"github.com/gin-gonic/gin"
)

// Authentication allows access if either a valid session or a bearer token
// is present. Responds with 401 Unauthorized if both checks fail. With auth
// disabled every request passes as anonymous.
func Authentication(authsvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authsvc.Enabled() {
			authsvc.AuthenticateAnonymous(c)
			c.Next()
			return
		}

		if token, ok := bearerToken(c); ok {
			if _, ok := authsvc.AuthenticateWithBearerToken(c, token); ok {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		if _, ok := authsvc.AuthenticateWithSession(c); ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "authentication required"})
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
