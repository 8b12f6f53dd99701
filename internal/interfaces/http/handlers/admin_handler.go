package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/interfaces/http/response"
	"kms-core.backend/internal/usecases"
	"kms-core.backend/pkg/logger"
)

// CacheAdmin is the operator surface of the key cache.
type CacheAdmin interface {
	GetCacheStats(ctx context.Context) entities.CacheStats
	ResetCacheStats(ctx context.Context) error
	ClearCache(ctx context.Context) error
	InvalidateTenantKeys(ctx context.Context, tenantID string) error
}

type rotationSweeper interface {
	CheckAndRotateExpiredKeys(ctx context.Context) (*entities.RotationReport, error)
	GetRotationStats(ctx context.Context, tenantID string) (*entities.RotationStats, error)
}

type keyCounter interface {
	CountKeysByStatus(ctx context.Context, tenantID string) (map[entities.KeyStatus]int64, error)
}

// AdminHandler serves cross-tenant operator endpoints.
type AdminHandler struct {
	cache    CacheAdmin
	rotation rotationSweeper
	keys     keyCounter
}

func NewAdminHandler(cache CacheAdmin, rotation *usecases.KeyRotationManager, kms *usecases.KeyManagementService) *AdminHandler {
	return &AdminHandler{cache: cache, rotation: rotation, keys: kms}
}

// GET /api/v1/admin/cache/stats
func (h *AdminHandler) CacheStats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.cache.GetCacheStats(c.Request.Context()))
}

// ResetCacheStats zeroes the hit and miss counters
// POST /api/v1/admin/cache/stats/reset
func (h *AdminHandler) ResetCacheStats(c *gin.Context) {
	if err := h.cache.ResetCacheStats(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearCache drops every cached key of every tenant
// DELETE /api/v1/admin/cache
func (h *AdminHandler) ClearCache(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.cache.ClearCache(ctx); err != nil {
		response.Error(c, err)
		return
	}
	logger.Warn(ctx, "Key cache cleared", zap.String("user_id", usecases.ActorFrom(ctx).UserID))
	c.Status(http.StatusNoContent)
}

// InvalidateTenantCache drops the cached keys of one tenant
// DELETE /api/v1/tenants/:tenantId/cache
func (h *AdminHandler) InvalidateTenantCache(c *gin.Context) {
	if err := h.cache.InvalidateTenantKeys(c.Request.Context(), tenantOf(c)); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RunRotationSweep rotates every due or expired key now. A partial failure
// answers 207 with the report.
// POST /api/v1/admin/rotation/sweep
func (h *AdminHandler) RunRotationSweep(c *gin.Context) {
	report, err := h.rotation.CheckAndRotateExpiredKeys(c.Request.Context())
	if report == nil || (err != nil && report.TotalProcessed == 0) {
		response.Error(c, err)
		return
	}
	if report.Skipped {
		response.ErrorWithError(c, http.StatusConflict, "SWEEP_IN_PROGRESS", "A rotation sweep is already running")
		return
	}
	if err != nil {
		c.JSON(http.StatusMultiStatus, gin.H{"report": report, "error": err.Error()})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"report": report})
}

// GET /api/v1/admin/rotation/stats
func (h *AdminHandler) RotationStats(c *gin.Context) {
	stats, err := h.rotation.GetRotationStats(c.Request.Context(), "")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// KeyStats counts keys per status across all tenants
// GET /api/v1/admin/keys/stats
func (h *AdminHandler) KeyStats(c *gin.Context) {
	counts, err := h.keys.CountKeysByStatus(c.Request.Context(), "")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"byStatus": counts})
}
