package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LimitConcurrentRequests caps how many control requests (anything but
// GET, HEAD and OPTIONS) run at once. Excess requests get 429 right away.
// Reads are never limited so dashboards keep working while operators
// hammer start/stop.
//
// Example usage:
//
//	api.Use(LimitConcurrentRequests(16))
func LimitConcurrentRequests(maxConcurrent int) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	semaphore := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			c.Next()
		default:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "too many concurrent control requests",
			})
		}
	}
}
