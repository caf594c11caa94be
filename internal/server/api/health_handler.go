package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// Health status values. The collector keeps serving from memory when a
// durable store is down, so a failed check degrades rather than fails.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

const healthTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker func(ctx context.Context) error

type HealthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]Check  `json:"checks"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Check struct {
	Status  string `json:"status"` // pass or fail
	Message string `json:"message,omitempty"`
}

type HealthHandler struct {
	checks   map[string]Checker
	metadata map[string]string
}

func NewHealthHandler(metadata map[string]string) *HealthHandler {
	return &HealthHandler{checks: make(map[string]Checker), metadata: metadata}
}

// Add registers a named check. Only configured stores are registered.
func (h *HealthHandler) Add(name string, check Checker) {
	h.checks[name] = check
}

// GetHealth handles GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: StatusHealthy, Checks: make(map[string]Check), Metadata: h.metadata}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = Check{Status: "fail", Message: err.Error()}
			resp.Status = StatusDegraded
			continue
		}
		resp.Checks[name] = Check{Status: "pass"}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.GetHealth)
}
