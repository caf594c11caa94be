package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/alerts"
	"github.com/4Noyis/netpulse/internal/server/query"
)

// DashboardHandler serves the read-only dashboard API.
type DashboardHandler struct {
	svc *query.Service
}

func NewDashboardHandler(svc *query.Service) *DashboardHandler {
	return &DashboardHandler{svc: svc}
}

// GetLatestData handles GET /api/latest_data
func (h *DashboardHandler) GetLatestData(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.LatestAll())
}

// GetSummary handles GET /api/summary
func (h *DashboardHandler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Summary())
}

// GetHostHistory handles GET /api/host_history/:hostname
func (h *DashboardHandler) GetHostHistory(c *gin.Context) {
	hostname := strings.TrimSpace(c.Param("hostname"))
	if hostname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname parameter is required"})
		return
	}
	c.JSON(http.StatusOK, h.svc.HostHistory(hostname))
}

// GetHistoryRange handles GET /api/history/range
func (h *DashboardHandler) GetHistoryRange(c *gin.Context) {
	hostnames, metrics := c.Query("hostnames"), c.Query("metrics")
	startStr, endStr := c.Query("start_time"), c.Query("end_time")
	if hostnames == "" || metrics == "" || startStr == "" || endStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameters: hostnames, metrics, start_time, end_time"})
		return
	}
	start, err := parseTime(startStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid timestamp format", "details": err.Error()})
		return
	}
	end, err := parseTime(endStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid timestamp format", "details": err.Error()})
		return
	}

	result, err := h.svc.HistoryRange(strings.Split(hostnames, ","), strings.Split(metrics, ","), start, end)
	if err != nil {
		if errors.Is(err, query.ErrInvalidRange) || errors.Is(err, query.ErrInvalidMetric) || errors.Is(err, query.ErrMissingParam) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid history query", "details": err.Error()})
			return
		}
		appLogger.Error("Failed to answer history query: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve history"})
		return
	}
	c.JSON(http.StatusOK, result)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime reads ISO 8601 timestamps. Values without a zone are UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// GetAlerts handles GET /api/alerts?status=&sort=&order=
func (h *DashboardHandler) GetAlerts(c *gin.Context) {
	rows, err := h.svc.Alerts(c.Query("status"), c.Query("sort"), c.Query("order"))
	if err != nil {
		if errors.Is(err, alerts.ErrInvalidStatus) || errors.Is(err, alerts.ErrInvalidSort) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alert query", "details": err.Error()})
			return
		}
		appLogger.Error("Failed to list alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve alerts"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetAllPeerFlows handles GET /api/all_peer_flows
func (h *DashboardHandler) GetAllPeerFlows(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.PeerFlows())
}

// GetConnectivityStatus handles GET /api/connectivity_status
func (h *DashboardHandler) GetConnectivityStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Connectivity())
}

// GetPeerIPs handles GET /api/get_peer_ips
func (h *DashboardHandler) GetPeerIPs(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.PeerIPs())
}

// GetMetricSchema handles GET /api/metrics/schema
func (h *DashboardHandler) GetMetricSchema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"patterns": h.svc.Schema()})
}

// RegisterRoutes registers the dashboard routes.
func (h *DashboardHandler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/latest_data", h.GetLatestData)
		apiGroup.GET("/summary", h.GetSummary)
		apiGroup.GET("/host_history/:hostname", h.GetHostHistory)
		apiGroup.GET("/history/range", h.GetHistoryRange)
		apiGroup.GET("/alerts", h.GetAlerts)
		apiGroup.GET("/all_peer_flows", h.GetAllPeerFlows)
		apiGroup.GET("/connectivity_status", h.GetConnectivityStatus)
		apiGroup.GET("/get_peer_ips", h.GetPeerIPs)
		apiGroup.GET("/metrics/schema", h.GetMetricSchema)
	}
}
