package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// LimitConcurrentRequests caps the number of requests handled at once by the
// routes it guards. Excess requests get 429 with a Retry-After hint.
//
// Remove blocks until the process is gone, which can take the whole
// stop/term/kill ladder, so the mutating routes sit behind this limit.
//
//	api.POST("/processes/:id/terminate", LimitConcurrentRequests(16, 1), h.Terminate)
func LimitConcurrentRequests(maxConcurrent int, retryAfterSeconds int) gin.HandlerFunc {
	semaphore := make(chan struct{}, maxConcurrent)
	retryAfter := strconv.Itoa(retryAfterSeconds)

	return func(c *gin.Context) {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			c.Next()
		default:
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "too many concurrent requests",
			})
		}
	}
}
