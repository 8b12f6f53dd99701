package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/interfaces/http/response"
	"kms-core.backend/internal/usecases"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

type auditService interface {
	QueryAuditLog(ctx context.Context, filters entities.AuditFilters) ([]*entities.AuditLogEntry, error)
	FindSuspiciousActivity(ctx context.Context, tenantID string, window time.Duration) ([]*entities.AuditLogEntry, error)
	CountByEventType(ctx context.Context, tenantID string, start, end time.Time) (map[entities.AuditEventType]int64, error)
	ExportLogs(ctx context.Context, filters entities.AuditFilters, format entities.ExportFormat) ([]byte, int, error)
	ExportSignedLogs(ctx context.Context, filters entities.AuditFilters, format entities.ExportFormat, actor entities.AuditActor) (string, error)
	LogExport(ctx context.Context, tenantID string, actor entities.AuditActor, format entities.ExportFormat, count int, signed bool)
	VerifyTenantLog(ctx context.Context, filters entities.AuditFilters) (checked, tampered int, err error)
	VerifySignedExport(token string) ([]byte, error)
}

// AuditHandler exposes the audit trail of a tenant.
type AuditHandler struct {
	audit auditService
}

func NewAuditHandler(audit *usecases.AuditLogger) *AuditHandler {
	return &AuditHandler{audit: audit}
}

type verifyExportRequest struct {
	Token string `json:"token" binding:"required"`
}

func auditFilters(c *gin.Context) (entities.AuditFilters, error) {
	f := entities.AuditFilters{
		TenantID:  tenantOf(c),
		KeyID:     c.Query("keyId"),
		EventType: entities.AuditEventType(c.Query("eventType")),
		ServiceID: c.Query("serviceId"),
		UserID:    c.Query("userId"),
		Result:    entities.AuditResult(c.Query("result")),
	}
	var err error
	if f.StartDate, err = queryTime(c, "startDate"); err != nil {
		return f, err
	}
	if f.EndDate, err = queryTime(c, "endDate"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// QueryLogs
// GET /api/v1/tenants/:tenantId/audit-logs
func (h *AuditHandler) QueryLogs(c *gin.Context) {
	filters, err := auditFilters(c)
	if err != nil {
		bindError(c, err)
		return
	}
	entries, err := h.audit.QueryAuditLog(c.Request.Context(), filters)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

// ExportLogs downloads the matching entries as JSON or CSV. With signed=true the
// body is a compact JWS over the export.
// GET /api/v1/tenants/:tenantId/audit-logs/export?format=csv&signed=true
func (h *AuditHandler) ExportLogs(c *gin.Context) {
	filters, err := auditFilters(c)
	if err != nil {
		bindError(c, err)
		return
	}
	format := entities.ExportFormat(c.DefaultQuery("format", string(entities.ExportJSON)))
	ctx := c.Request.Context()
	actor := usecases.ActorFrom(ctx)

	if c.Query("signed") == "true" {
		token, err := h.audit.ExportSignedLogs(ctx, filters, format, actor)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="audit-export.jws"`)
		c.Data(http.StatusOK, "application/jose", []byte(token))
		return
	}

	body, count, err := h.audit.ExportLogs(ctx, filters, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.audit.LogExport(ctx, filters.TenantID, actor, format, count, false)

	contentType := "application/json"
	if format == entities.ExportCSV {
		contentType = "text/csv"
	}
	c.Header("Content-Disposition", `attachment; filename="audit-export.`+string(format)+`"`)
	c.Data(http.StatusOK, contentType, body)
}

// SuspiciousActivity lists failures and security events in a trailing window
// GET /api/v1/tenants/:tenantId/audit-logs/suspicious?window=24h
func (h *AuditHandler) SuspiciousActivity(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			response.ErrorWithError(c, http.StatusBadRequest, "INVALID_INPUT", "window must be a positive duration")
			return
		}
		window = d
	}
	entries, err := h.audit.FindSuspiciousActivity(c.Request.Context(), tenantOf(c), window)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

// Summary counts entries per event type, over the last 30 days by default
// GET /api/v1/tenants/:tenantId/audit-logs/summary?startDate=&endDate=
func (h *AuditHandler) Summary(c *gin.Context) {
	start, err := queryTime(c, "startDate")
	if err != nil {
		bindError(c, err)
		return
	}
	end, err := queryTime(c, "endDate")
	if err != nil {
		bindError(c, err)
		return
	}
	if !end.Valid {
		end.SetValid(time.Now().UTC())
	}
	if !start.Valid {
		start.SetValid(end.Time.Add(-defaultSummaryWindow))
	}

	counts, err := h.audit.CountByEventType(c.Request.Context(), tenantOf(c), start.Time, end.Time)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"startDate": start.Time,
		"endDate":   end.Time,
		"byEvent":   counts,
	})
}

// VerifyLogs re-checks the signature of every matching entry
// POST /api/v1/tenants/:tenantId/audit-logs/verify
func (h *AuditHandler) VerifyLogs(c *gin.Context) {
	filters, err := auditFilters(c)
	if err != nil {
		bindError(c, err)
		return
	}
	checked, tampered, err := h.audit.VerifyTenantLog(c.Request.Context(), filters)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"checked":  checked,
		"tampered": tampered,
		"intact":   tampered == 0,
	})
}

// VerifyExport checks a signed export and returns its payload
// POST /api/v1/admin/audit/verify-export
func (h *AuditHandler) VerifyExport(c *gin.Context) {
	var req verifyExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	payload, err := h.audit.VerifySignedExport(req.Token)
	if err != nil {
		response.ErrorWithError(c, http.StatusUnprocessableEntity, "INVALID_SIGNATURE", "Export signature does not verify")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"valid": true, "payload": string(payload)})
}
