package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/interfaces/http/response"
	"kms-core.backend/internal/usecases"
)

type alertService interface {
	GetActiveAlerts() []*entities.Alert
	GetAlertsBySeverity(severity entities.AlertSeverity) []*entities.Alert
	ResolveAlert(ctx context.Context, id string) bool
	GetStatistics() entities.AlertStatistics
}

type AlertHandler struct {
	alerts alertService
}

func NewAlertHandler(alerts *usecases.AlertManager) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// ListAlerts returns active alerts, or every alert of one severity
// GET /api/v1/admin/alerts?severity=CRITICAL
func (h *AlertHandler) ListAlerts(c *gin.Context) {
	if raw := c.Query("severity"); raw != "" {
		severity := entities.AlertSeverity(raw)
		if !severity.Valid() {
			response.ErrorWithError(c, http.StatusBadRequest, "INVALID_INPUT", "Unknown severity: "+raw)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"items": h.alerts.GetAlertsBySeverity(severity)})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"items": h.alerts.GetActiveAlerts()})
}

// GET /api/v1/admin/alerts/stats
func (h *AlertHandler) Stats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.alerts.GetStatistics())
}

// POST /api/v1/admin/alerts/:alertId/resolve
func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	id := c.Param("alertId")
	if !h.alerts.ResolveAlert(c.Request.Context(), id) {
		response.ErrorWithError(c, http.StatusNotFound, "NOT_FOUND", "Alert not found")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": id, "resolved": true})
}
