package handler

import (
	"context"
	"net/http"

	"github.com/edirooss/restreamd/internal/encoder"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BackendProber reports which encoder backends work on this host.
type BackendProber interface {
	Current(ctx context.Context) encoder.Result
	Reprobe(ctx context.Context) encoder.Result
}

type BackendsHandler struct {
	log     *zap.Logger
	prober  BackendProber
	onProbe func(encoder.Result) // optional, e.g. metrics
}

func NewBackendsHandler(log *zap.Logger, prober BackendProber, onProbe func(encoder.Result)) *BackendsHandler {
	return &BackendsHandler{
		log:     log.Named("backends"),
		prober:  prober,
		onProbe: onProbe,
	}
}

// Get handles GET /backends with the cached probe result.
func (h *BackendsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.prober.Current(c.Request.Context()))
}

// Probe handles POST /backends/probe.
//
// Behavior:
//   - Re-runs detection, e.g. after a driver install. Running streams keep
//     their backend; new attempts pick from the fresh result.
//
// Status Codes:
//   - 200 OK → JSON probe result
func (h *BackendsHandler) Probe(c *gin.Context) {
	res := h.prober.Reprobe(c.Request.Context())
	h.log.Info("encoder backends re-probed on request", zap.Any("available", res.Available))
	if h.onProbe != nil {
		h.onProbe(res)
	}
	c.JSON(http.StatusOK, res)
}
