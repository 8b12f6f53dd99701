package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/volatiletech/null/v8"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/interfaces/http/middleware"
	"kms-core.backend/internal/interfaces/http/response"
	"kms-core.backend/internal/usecases"
	"kms-core.backend/pkg/utils"
)

// ServiceIDHeader names the calling service when key material is fetched.
const ServiceIDHeader = "X-Service-ID"

type keyService interface {
	CreateKey(ctx context.Context, opts entities.CreateKeyOptions) (*entities.KeyMetadata, error)
	GetKeyMetadata(ctx context.Context, keyID, tenantID string) (*entities.KeyMetadata, error)
	GetKey(ctx context.Context, keyID, tenantID, serviceID string) ([]byte, error)
	RotateKey(ctx context.Context, keyID, tenantID string) (*entities.KeyMetadata, error)
	CompromiseKey(ctx context.Context, keyID, tenantID, reason string) error
	GetActiveKeyForPurpose(ctx context.Context, tenantID string, purpose entities.KeyPurpose) (*entities.KeyMetadata, error)
	ListKeys(ctx context.Context, tenantID string, filters entities.KeyFilters) ([]*entities.KeyMetadata, utils.PaginationMeta, error)
	DeleteKey(ctx context.Context, keyID, tenantID string) error
	DisableKey(ctx context.Context, keyID, tenantID string) error
	ReEncryptData(ctx context.Context, tenantID, oldKeyID, newKeyID string, refs []entities.DataReference) (entities.ReEncryptionResult, error)
	CountKeysByStatus(ctx context.Context, tenantID string) (map[entities.KeyStatus]int64, error)
}

type scheduleService interface {
	GetRotationSchedule(ctx context.Context, keyID, tenantID string) (*entities.RotationSchedule, error)
	EnableAutoRotation(ctx context.Context, keyID, tenantID string, intervalDays int) (*entities.RotationSchedule, error)
	DisableAutoRotation(ctx context.Context, keyID, tenantID string) error
	ListAutoRotationKeys(ctx context.Context, tenantID string) ([]*entities.RotationSchedule, error)
	GetRotationStats(ctx context.Context, tenantID string) (*entities.RotationStats, error)
}

// KeyHandler serves the tenant-scoped key lifecycle endpoints.
type KeyHandler struct {
	keys      keyService
	schedules scheduleService
}

func NewKeyHandler(kms *usecases.KeyManagementService, rotation *usecases.KeyRotationManager) *KeyHandler {
	return &KeyHandler{keys: kms, schedules: rotation}
}

type createKeyRequest struct {
	Purpose              entities.KeyPurpose `json:"purpose" binding:"required"`
	Algorithm            entities.Algorithm  `json:"algorithm"`
	ExpiresAt            *time.Time          `json:"expiresAt"`
	AutoRotate           bool                `json:"autoRotate"`
	RotationIntervalDays int                 `json:"rotationIntervalDays"`
	Metadata             map[string]any      `json:"metadata"`
}

type compromiseKeyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type reEncryptRequest struct {
	NewKeyID   string                   `json:"newKeyId" binding:"required"`
	References []entities.DataReference `json:"references" binding:"required"`
}

type rotationScheduleRequest struct {
	Enabled      *bool `json:"enabled" binding:"required"`
	IntervalDays int   `json:"intervalDays"`
}

func tenantOf(c *gin.Context) string {
	return c.Param(middleware.TenantParam)
}

func bindError(c *gin.Context, err error) {
	response.ErrorWithError(c, http.StatusBadRequest, string(domainerrors.CodeInvalidInput), err.Error())
}

// CreateKey creates version 1 of a new key
// POST /api/v1/tenants/:tenantId/keys
func (h *KeyHandler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	opts := entities.CreateKeyOptions{
		TenantID:             tenantOf(c),
		Purpose:              req.Purpose,
		Algorithm:            req.Algorithm,
		AutoRotate:           req.AutoRotate,
		RotationIntervalDays: req.RotationIntervalDays,
		Metadata:             req.Metadata,
	}
	if req.ExpiresAt != nil {
		opts.ExpiresAt = null.TimeFrom(req.ExpiresAt.UTC())
	}

	meta, err := h.keys.CreateKey(c.Request.Context(), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, meta)
}

// ListKeys lists a tenant's keys
// GET /api/v1/tenants/:tenantId/keys?status=&purpose=&expiresAfter=&expiresBefore=&limit=&offset=
func (h *KeyHandler) ListKeys(c *gin.Context) {
	filters := entities.KeyFilters{
		Status:  entities.KeyStatus(c.Query("status")),
		Purpose: entities.KeyPurpose(c.Query("purpose")),
	}
	var err error
	if filters.Limit, err = queryInt(c, "limit"); err != nil {
		bindError(c, err)
		return
	}
	if filters.Offset, err = queryInt(c, "offset"); err != nil {
		bindError(c, err)
		return
	}
	if filters.ExpiresAfter, err = queryTime(c, "expiresAfter"); err != nil {
		bindError(c, err)
		return
	}
	if filters.ExpiresBefore, err = queryTime(c, "expiresBefore"); err != nil {
		bindError(c, err)
		return
	}

	keys, meta, err := h.keys.ListKeys(c.Request.Context(), tenantOf(c), filters)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, keys, meta)
}

// GetKeyMetadata returns a key without its material
// GET /api/v1/tenants/:tenantId/keys/:keyId
func (h *KeyHandler) GetKeyMetadata(c *gin.Context) {
	meta, err := h.keys.GetKeyMetadata(c.Request.Context(), c.Param("keyId"), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, meta)
}

// GetKeyMaterial returns the plaintext data key, base64 encoded
// GET /api/v1/tenants/:tenantId/keys/:keyId/material
func (h *KeyHandler) GetKeyMaterial(c *gin.Context) {
	keyID := c.Param("keyId")
	material, err := h.keys.GetKey(c.Request.Context(), keyID, tenantOf(c), c.GetHeader(ServiceIDHeader))
	if err != nil {
		response.Error(c, err)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(material)
	for i := range material {
		material[i] = 0
	}

	c.Header("Cache-Control", "no-store")
	response.Success(c, http.StatusOK, gin.H{
		"keyId":    keyID,
		"material": encoded,
	})
}

// RotateKey deprecates the key and returns its successor
// POST /api/v1/tenants/:tenantId/keys/:keyId/rotate
func (h *KeyHandler) RotateKey(c *gin.Context) {
	meta, err := h.keys.RotateKey(c.Request.Context(), c.Param("keyId"), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, meta)
}

// CompromiseKey marks a key as compromised
// POST /api/v1/tenants/:tenantId/keys/:keyId/compromise
func (h *KeyHandler) CompromiseKey(c *gin.Context) {
	var req compromiseKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	keyID := c.Param("keyId")
	if err := h.keys.CompromiseKey(c.Request.Context(), keyID, tenantOf(c), req.Reason); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"keyId": keyID, "status": entities.KeyStatusCompromised})
}

// DisableKey
// POST /api/v1/tenants/:tenantId/keys/:keyId/disable
func (h *KeyHandler) DisableKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if err := h.keys.DisableKey(c.Request.Context(), keyID, tenantOf(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"keyId": keyID, "status": entities.KeyStatusDisabled})
}

// DeleteKey
// DELETE /api/v1/tenants/:tenantId/keys/:keyId
func (h *KeyHandler) DeleteKey(c *gin.Context) {
	if err := h.keys.DeleteKey(c.Request.Context(), c.Param("keyId"), tenantOf(c)); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetActiveKey returns the newest ACTIVE key for a purpose, creating one when none exists
// GET /api/v1/tenants/:tenantId/purposes/:purpose/active-key
func (h *KeyHandler) GetActiveKey(c *gin.Context) {
	meta, err := h.keys.GetActiveKeyForPurpose(c.Request.Context(), tenantOf(c), entities.KeyPurpose(c.Param("purpose")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, meta)
}

// ReEncrypt moves referenced rows from :keyId to newKeyId
// POST /api/v1/tenants/:tenantId/keys/:keyId/re-encrypt
func (h *KeyHandler) ReEncrypt(c *gin.Context) {
	var req reEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.keys.ReEncryptData(c.Request.Context(), tenantOf(c), c.Param("keyId"), req.NewKeyID, req.References)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// KeyStats counts the tenant's keys per status
// GET /api/v1/tenants/:tenantId/keys/stats
func (h *KeyHandler) KeyStats(c *gin.Context) {
	counts, err := h.keys.CountKeysByStatus(c.Request.Context(), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"byStatus": counts})
}

// GetRotationSchedule
// GET /api/v1/tenants/:tenantId/keys/:keyId/rotation-schedule
func (h *KeyHandler) GetRotationSchedule(c *gin.Context) {
	schedule, err := h.schedules.GetRotationSchedule(c.Request.Context(), c.Param("keyId"), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if schedule == nil {
		response.ErrorWithError(c, http.StatusNotFound, string(domainerrors.CodeKeyNotFound), "Key has no rotation schedule")
		return
	}
	response.Success(c, http.StatusOK, schedule)
}

// UpdateRotationSchedule enables or disables automatic rotation
// PUT /api/v1/tenants/:tenantId/keys/:keyId/rotation-schedule
func (h *KeyHandler) UpdateRotationSchedule(c *gin.Context) {
	var req rotationScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ctx := c.Request.Context()
	keyID, tenantID := c.Param("keyId"), tenantOf(c)

	if !*req.Enabled {
		if err := h.schedules.DisableAutoRotation(ctx, keyID, tenantID); err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"keyId": keyID, "enabled": false})
		return
	}

	schedule, err := h.schedules.EnableAutoRotation(ctx, keyID, tenantID, req.IntervalDays)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, schedule)
}

// ListRotationSchedules lists the tenant's enabled schedules
// GET /api/v1/tenants/:tenantId/rotation-schedules
func (h *KeyHandler) ListRotationSchedules(c *gin.Context) {
	schedules, err := h.schedules.ListAutoRotationKeys(c.Request.Context(), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"items": schedules})
}

// RotationStats
// GET /api/v1/tenants/:tenantId/rotation-stats
func (h *KeyHandler) RotationStats(c *gin.Context) {
	stats, err := h.schedules.GetRotationStats(c.Request.Context(), tenantOf(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domainerrors.InvalidInput(name + " must be an integer")
	}
	return n, nil
}

func queryTime(c *gin.Context, name string) (null.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return null.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return null.Time{}, domainerrors.InvalidInput(name + " must be an RFC3339 timestamp")
	}
	return null.TimeFrom(t.UTC()), nil
}
