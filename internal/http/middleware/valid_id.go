package middleware

import (
	"net/http"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/gin-gonic/gin"
)

// RequireValidStreamID ensures the path param ":id" is a usable stream ID.
func RequireValidStreamID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !stream.ValidID(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid stream id"})
			return
		}
		c.Next()
	}
}
