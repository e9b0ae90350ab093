package handler

import (
	"net/http"

	"github.com/edirooss/restreamd/internal/config"
	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/gin-gonic/gin"
)

type HealthReporter interface {
	Health() supervisor.Health
}

// Health handles GET /health.
//
// Status Codes:
//   - 200 OK → control loop alive
//   - 503 Service Unavailable → heartbeat stale or shutting down
func Health(sup HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := sup.Health()
		status := http.StatusOK
		if !h.Alive {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"health":  h,
			"version": config.Version,
			"commit":  config.GitCommit,
		})
	}
}
