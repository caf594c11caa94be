package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/ingest"
	"github.com/4Noyis/netpulse/internal/server/models"
)

// maxReportBytes caps one agent report.
const maxReportBytes = 4 << 20

// StatsHandler receives agent reports.
type StatsHandler struct {
	ingestor *ingest.Ingestor
}

func NewStatsHandler(ingestor *ingest.Ingestor) *StatsHandler {
	return &StatsHandler{ingestor: ingestor}
}

// PostData handles POST /api/data.
func (h *StatsHandler) PostData(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxReportBytes)

	var payload models.ClientPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		appLogger.Error("Failed to bind JSON payload: %v. Client IP: %s", err, c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload", "details": err.Error()})
		return
	}

	snap, err := h.ingestor.Ingest(c.Request.Context(), &payload, c.ClientIP())
	switch {
	case errors.Is(err, ingest.ErrInvalidPayload):
		appLogger.Warn("Rejected report from %s: %v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid report", "details": err.Error()})
		return
	case err != nil:
		appLogger.Error("Failed to process report for host %s: %v", payload.Hostname, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process report", "details": err.Error()})
		return
	}

	appLogger.Debug("Accepted report from %s (%s)", snap.Hostname, snap.AgentIP)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// RegisterRoutes registers the ingest routes. /data is kept for agents
// built against the first collector.
func (h *StatsHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/data", h.PostData)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/data", h.PostData)
	}
}
