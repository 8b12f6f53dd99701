package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/volatiletech/null/v8"
	"gorm.io/gorm"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/infrastructure/models"
	"kms-core.backend/pkg/utils"
)

// AuditLogRepositoryImpl implements AuditLogRepository. Rows are never updated.
type AuditLogRepositoryImpl struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) *AuditLogRepositoryImpl {
	return &AuditLogRepositoryImpl{db: db}
}

func (r *AuditLogRepositoryImpl) Create(ctx context.Context, entry *entities.AuditLogEntry) error {
	meta := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		meta = string(raw)
	}
	m := &models.KeyAuditLog{
		ID:            entry.ID,
		Timestamp:     entry.Timestamp.UTC(),
		EventType:     string(entry.EventType),
		KeyID:         entry.KeyID,
		TenantID:      entry.TenantID,
		ServiceID:     entry.ServiceID.Ptr(),
		UserID:        entry.UserID.Ptr(),
		Action:        entry.Action,
		Result:        string(entry.Result),
		Metadata:      meta,
		IPAddress:     entry.IPAddress.Ptr(),
		HMACSignature: entry.HMACSignature,
	}
	return GetDB(ctx, r.db).Create(m).Error
}

func (r *AuditLogRepositoryImpl) Query(ctx context.Context, filters entities.AuditFilters) ([]*entities.AuditLogEntry, error) {
	query := GetDB(ctx, r.db).Model(&models.KeyAuditLog{}).Where("tenant_id = ?", filters.TenantID)
	if filters.KeyID != "" {
		query = query.Where("key_id = ?", filters.KeyID)
	}
	if filters.EventType != "" {
		query = query.Where("event_type = ?", string(filters.EventType))
	}
	if filters.ServiceID != "" {
		query = query.Where("service_id = ?", filters.ServiceID)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.Result != "" {
		query = query.Where("result = ?", string(filters.Result))
	}
	if filters.StartDate.Valid {
		query = query.Where("timestamp >= ?", filters.StartDate.Time.UTC())
	}
	if filters.EndDate.Valid {
		query = query.Where("timestamp <= ?", filters.EndDate.Time.UTC())
	}

	page := utils.GetPaginationParams(filters.Limit, filters.Offset)
	var ms []models.KeyAuditLog
	if err := query.
		Order("timestamp DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&ms).Error; err != nil {
		return nil, err
	}
	return toAuditEntities(ms), nil
}

func (r *AuditLogRepositoryImpl) FindSuspicious(ctx context.Context, tenantID string, since time.Time) ([]*entities.AuditLogEntry, error) {
	var ms []models.KeyAuditLog
	err := GetDB(ctx, r.db).
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since.UTC()).
		Where("result = ? OR event_type IN ?", string(entities.AuditResultFailure),
			[]string{string(entities.AuditSecurityAlert), string(entities.AuditUnauthorizedAccess)}).
		Order("timestamp DESC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	return toAuditEntities(ms), nil
}

func (r *AuditLogRepositoryImpl) CountByEventType(ctx context.Context, tenantID string, start, end time.Time) (map[entities.AuditEventType]int64, error) {
	type row struct {
		EventType string
		Count     int64
	}
	var rows []row
	err := GetDB(ctx, r.db).Model(&models.KeyAuditLog{}).
		Select("event_type, COUNT(*) AS count").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp <= ?", tenantID, start.UTC(), end.UTC()).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[entities.AuditEventType]int64, len(rows))
	for _, rw := range rows {
		counts[entities.AuditEventType(rw.EventType)] = rw.Count
	}
	return counts, nil
}

func (r *AuditLogRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Where("timestamp < ?", cutoff.UTC()).Delete(&models.KeyAuditLog{})
	return res.RowsAffected, res.Error
}

func toAuditEntities(ms []models.KeyAuditLog) []*entities.AuditLogEntry {
	out := make([]*entities.AuditLogEntry, 0, len(ms))
	for i := range ms {
		m := &ms[i]
		var meta map[string]any
		if m.Metadata != "" {
			_ = json.Unmarshal([]byte(m.Metadata), &meta)
		}
		out = append(out, &entities.AuditLogEntry{
			ID:            m.ID,
			Timestamp:     m.Timestamp,
			EventType:     entities.AuditEventType(m.EventType),
			KeyID:         m.KeyID,
			TenantID:      m.TenantID,
			ServiceID:     null.StringFromPtr(m.ServiceID),
			UserID:        null.StringFromPtr(m.UserID),
			Action:        m.Action,
			Result:        entities.AuditResult(m.Result),
			Metadata:      meta,
			IPAddress:     null.StringFromPtr(m.IPAddress),
			HMACSignature: m.HMACSignature,
		})
	}
	return out
}
