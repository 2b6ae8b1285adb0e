package middleware

import (
	"net/http"
	"unicode"

	"github.com/gin-gonic/gin"
)

const maxProcessIDLen = 128

// RequireValidProcessID rejects a path param ":id" that is empty, too long
// or contains control characters or spaces.
func RequireValidProcessID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validProcessID(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid process id"})
			return
		}
		c.Next()
	}
}

func validProcessID(id string) bool {
	if id == "" || len(id) > maxProcessIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
