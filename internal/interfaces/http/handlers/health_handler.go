package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/usecases"
)

type healthService interface {
	CheckHealth(ctx context.Context) *entities.HealthStatus
	GetLastHealthCheck() *entities.HealthStatus
	IsCheckRecent(maxAge time.Duration) bool
}

type HealthHandler struct {
	health healthService
	maxAge time.Duration
}

// NewHealthHandler serves the last snapshot while it is younger than maxAge.
// A zero maxAge probes on every request.
func NewHealthHandler(health *usecases.HealthChecker, maxAge time.Duration) *HealthHandler {
	return &HealthHandler{health: health, maxAge: maxAge}
}

// Live answers as long as the process serves HTTP
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready answers 503 unless all components are healthy
// GET /health
func (h *HealthHandler) Ready(c *gin.Context) {
	var status *entities.HealthStatus
	if h.maxAge > 0 && h.health.IsCheckRecent(h.maxAge) {
		status = h.health.GetLastHealthCheck()
	}
	if status == nil {
		status = h.health.CheckHealth(c.Request.Context())
	}
	code := http.StatusOK
	if status == nil || !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
