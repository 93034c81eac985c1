package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/twinsight/connect/internal/service/refresher"
)

// RefreshHandler exposes the sweep trigger. The sweep owns no loop of its
// own; an external scheduler (cron, cloud task) invokes this endpoint.
type RefreshHandler struct {
	Refresher refresher.Service
	Logger    *zap.Logger
}

// NewRefreshHandler creates the handler.
func NewRefreshHandler(refresherSvc refresher.Service, logger *zap.Logger) *RefreshHandler {
	return &RefreshHandler{Refresher: refresherSvc, Logger: logger}
}

// Sweep runs one refresh pass and reports its summary.
func (h *RefreshHandler) Sweep(c *gin.Context) {
	summary, err := h.Refresher.Sweep(c.Request.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("manual refresh sweep failed", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Sweep did not complete."})
		return
	}
	c.JSON(http.StatusOK, summary)
}
