package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/volatiletech/null/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/infrastructure/models"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/utils"
)

// KeyRepositoryImpl implements KeyRepository
type KeyRepositoryImpl struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepositoryImpl {
	return &KeyRepositoryImpl{db: db}
}

func (r *KeyRepositoryImpl) SaveKey(ctx context.Context, key *entities.EncryptionKey) error {
	m, err := r.toModel(key)
	if err != nil {
		return domainerrors.EncryptionFailed("failed to encode key metadata", key.ID, key.TenantID, err)
	}
	if err := GetDB(ctx, r.db).Create(m).Error; err != nil {
		return domainerrors.EncryptionFailed("failed to save key", key.ID, key.TenantID, err)
	}
	key.CreatedAt = m.CreatedAt
	key.UpdatedAt = m.UpdatedAt
	return nil
}

func (r *KeyRepositoryImpl) GetKey(ctx context.Context, keyID, tenantID string) (*entities.EncryptionKey, error) {
	var m models.EncryptionKey
	err := GetDB(ctx, r.db).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to retrieve key", keyID, tenantID, err)
	}
	return r.toEntity(&m), nil
}

// GetLatestKeyForPurpose returns the ACTIVE key with the highest version, or nil.
func (r *KeyRepositoryImpl) GetLatestKeyForPurpose(ctx context.Context, tenantID string, purpose entities.KeyPurpose) (*entities.EncryptionKey, error) {
	var m models.EncryptionKey
	err := GetDB(ctx, r.db).
		Where("tenant_id = ? AND purpose = ? AND status = ?", tenantID, string(purpose), string(entities.KeyStatusActive)).
		Order("version DESC").Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to retrieve latest key for purpose "+string(purpose), "", tenantID, err)
	}
	return r.toEntity(&m), nil
}

func (r *KeyRepositoryImpl) UpdateKeyStatus(ctx context.Context, keyID, tenantID string, status entities.KeyStatus) error {
	res := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domainerrors.New(domainerrors.CodeKeyNotFound, "failed to update key status", keyID, tenantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	return nil
}

// UpdateLastUsed is best-effort: failures are logged and swallowed.
func (r *KeyRepositoryImpl) UpdateLastUsed(ctx context.Context, keyID, tenantID string) error {
	err := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		Update("last_used_at", time.Now().UTC()).Error
	if err != nil {
		logger.Warn(ctx, "Failed to update key last used timestamp",
			zap.String("key_id", keyID),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
	return nil
}

func (r *KeyRepositoryImpl) UpdateKeyMetadata(ctx context.Context, keyID, tenantID string, expiresAt *time.Time, metadata map[string]any) error {
	updates := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if expiresAt != nil {
		updates["expires_at"] = expiresAt.UTC()
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return domainerrors.New(domainerrors.CodeInvalidInput, "metadata is not serializable", keyID, tenantID, err)
		}
		updates["metadata"] = string(raw)
	}

	res := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).
		Where("id = ? AND tenant_id = ?", keyID, tenantID).
		Updates(updates)
	if res.Error != nil {
		return domainerrors.New(domainerrors.CodeKeyNotFound, "failed to update key metadata", keyID, tenantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	return nil
}

func (r *KeyRepositoryImpl) ListKeys(ctx context.Context, tenantID string, filters entities.KeyFilters) ([]*entities.EncryptionKey, int64, error) {
	query := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).Where("tenant_id = ?", tenantID)
	if filters.Status != "" {
		query = query.Where("status = ?", string(filters.Status))
	}
	if filters.Purpose != "" {
		query = query.Where("purpose = ?", string(filters.Purpose))
	}
	if filters.ExpiresAfter.Valid {
		query = query.Where("expires_at > ?", filters.ExpiresAfter.Time.UTC())
	}
	if filters.ExpiresBefore.Valid {
		query = query.Where("expires_at < ?", filters.ExpiresBefore.Time.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to count keys", "", tenantID, err)
	}

	page := utils.GetPaginationParams(filters.Limit, filters.Offset)
	var ms []models.EncryptionKey
	if err := query.
		Order("created_at DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&ms).Error; err != nil {
		return nil, 0, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to list keys", "", tenantID, err)
	}

	keys := make([]*entities.EncryptionKey, 0, len(ms))
	for i := range ms {
		keys = append(keys, r.toEntity(&ms[i]))
	}
	return keys, total, nil
}

// DeleteKey hard-deletes the key and its rotation schedule.
func (r *KeyRepositoryImpl) DeleteKey(ctx context.Context, keyID, tenantID string) error {
	db := GetDB(ctx, r.db)
	res := db.Where("id = ? AND tenant_id = ?", keyID, tenantID).Delete(&models.EncryptionKey{})
	if res.Error != nil {
		return domainerrors.New(domainerrors.CodeKeyNotFound, "failed to delete key", keyID, tenantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	if err := db.Where("key_id = ?", keyID).Delete(&models.RotationSchedule{}).Error; err != nil {
		return domainerrors.New(domainerrors.CodeKeyNotFound, "failed to delete rotation schedule", keyID, tenantID, err)
	}
	return nil
}

// CountKeysByStatus always reports every status, zero when absent.
func (r *KeyRepositoryImpl) CountKeysByStatus(ctx context.Context, tenantID string) (map[entities.KeyStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	query := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).Select("status, COUNT(*) AS count")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to count keys by status", "", tenantID, err)
	}

	counts := make(map[entities.KeyStatus]int64, len(entities.KeyStatuses))
	for _, s := range entities.KeyStatuses {
		counts[s] = 0
	}
	for _, rw := range rows {
		counts[entities.KeyStatus(rw.Status)] = rw.Count
	}
	return counts, nil
}

// FindExpiredKeys returns ACTIVE keys past their expiry. An empty tenantID spans all tenants.
func (r *KeyRepositoryImpl) FindExpiredKeys(ctx context.Context, tenantID string) ([]*entities.EncryptionKey, error) {
	query := GetDB(ctx, r.db).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", string(entities.KeyStatusActive), time.Now().UTC())
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var ms []models.EncryptionKey
	if err := query.Order("expires_at ASC").Find(&ms).Error; err != nil {
		return nil, domainerrors.New(domainerrors.CodeKeyNotFound, "failed to find expired keys", "", tenantID, err)
	}

	keys := make([]*entities.EncryptionKey, 0, len(ms))
	for i := range ms {
		keys = append(keys, r.toEntity(&ms[i]))
	}
	return keys, nil
}

func (r *KeyRepositoryImpl) CountExpiredActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", string(entities.KeyStatusActive), now.UTC()).
		Count(&n).Error
	return n, err
}

func (r *KeyRepositoryImpl) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := GetDB(ctx, r.db).Model(&models.EncryptionKey{}).Count(&n).Error
	return n, err
}

// Ping runs a trivial query against the datastore.
func (r *KeyRepositoryImpl) Ping(ctx context.Context) error {
	var one int
	return GetDB(ctx, r.db).Raw("SELECT 1").Scan(&one).Error
}

func (r *KeyRepositoryImpl) toModel(k *entities.EncryptionKey) (*models.EncryptionKey, error) {
	meta := "{}"
	if len(k.Metadata) > 0 {
		raw, err := json.Marshal(k.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(raw)
	}
	now := time.Now().UTC()
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &models.EncryptionKey{
		ID:           k.ID,
		TenantID:     k.TenantID,
		Purpose:      string(k.Purpose),
		Algorithm:    string(k.Algorithm),
		EncryptedKey: k.EncryptedKey,
		IV:           k.IV,
		AuthTag:      k.AuthTag,
		Version:      k.Version,
		Status:       string(k.Status),
		Metadata:     meta,
		ExpiresAt:    utcPtr(k.ExpiresAt.Ptr()),
		LastUsedAt:   utcPtr(k.LastUsedAt.Ptr()),
		CreatedAt:    createdAt.UTC(),
		UpdatedAt:    now,
	}, nil
}

func (r *KeyRepositoryImpl) toEntity(m *models.EncryptionKey) *entities.EncryptionKey {
	var meta map[string]any
	if m.Metadata != "" {
		_ = json.Unmarshal([]byte(m.Metadata), &meta)
	}
	return &entities.EncryptionKey{
		ID:           m.ID,
		TenantID:     m.TenantID,
		Purpose:      entities.KeyPurpose(m.Purpose),
		Algorithm:    entities.Algorithm(m.Algorithm),
		EncryptedKey: m.EncryptedKey,
		IV:           m.IV,
		AuthTag:      m.AuthTag,
		Version:      m.Version,
		Status:       entities.KeyStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		ExpiresAt:    null.TimeFromPtr(m.ExpiresAt),
		LastUsedAt:   null.TimeFromPtr(m.LastUsedAt),
		Metadata:     meta,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
