package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/volatiletech/null/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/infrastructure/models"
)

// upcomingWindow is how far ahead a schedule counts as upcoming in Stats.
const upcomingWindow = 7 * 24 * time.Hour

// RotationScheduleRepositoryImpl implements RotationScheduleRepository
type RotationScheduleRepositoryImpl struct {
	db *gorm.DB
}

func NewRotationScheduleRepository(db *gorm.DB) *RotationScheduleRepositoryImpl {
	return &RotationScheduleRepositoryImpl{db: db}
}

// Upsert inserts the schedule or replaces the one already attached to the key.
func (r *RotationScheduleRepositoryImpl) Upsert(ctx context.Context, schedule *entities.RotationSchedule) error {
	now := time.Now().UTC()
	m := &models.RotationSchedule{
		KeyID:          schedule.KeyID,
		Enabled:        schedule.Enabled,
		IntervalDays:   schedule.IntervalDays,
		NextRotationAt: schedule.NextRotationAt.UTC(),
		LastRotationAt: utcPtr(schedule.LastRotationAt.Ptr()),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := GetDB(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "interval_days", "next_rotation_at", "last_rotation_at", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return domainerrors.RotationFailed("failed to save rotation schedule", schedule.KeyID, "", err)
	}
	return nil
}

// GetByKeyID returns nil, nil when the key has no schedule.
func (r *RotationScheduleRepositoryImpl) GetByKeyID(ctx context.Context, keyID string) (*entities.RotationSchedule, error) {
	var m models.RotationSchedule
	err := GetDB(ctx, r.db).Where("key_id = ?", keyID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domainerrors.RotationFailed("failed to load rotation schedule", keyID, "", err)
	}
	return toScheduleEntity(&m), nil
}

func (r *RotationScheduleRepositoryImpl) FindDue(ctx context.Context, now time.Time) ([]*entities.DueRotation, error) {
	type row struct {
		models.RotationSchedule
		TenantID string
	}
	var rows []row
	err := GetDB(ctx, r.db).
		Table("rotation_schedules AS rs").
		Select("rs.key_id, rs.enabled, rs.interval_days, rs.next_rotation_at, rs.last_rotation_at, rs.created_at, rs.updated_at, ek.tenant_id").
		Joins("JOIN encryption_keys AS ek ON ek.id = rs.key_id").
		Where("rs.enabled = ? AND rs.next_rotation_at <= ?", true, now.UTC()).
		Order("rs.next_rotation_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, domainerrors.RotationFailed("failed to find due rotation schedules", "", "", err)
	}

	due := make([]*entities.DueRotation, 0, len(rows))
	for i := range rows {
		due = append(due, &entities.DueRotation{
			Schedule: *toScheduleEntity(&rows[i].RotationSchedule),
			TenantID: rows[i].TenantID,
		})
	}
	return due, nil
}

func (r *RotationScheduleRepositoryImpl) MarkRotated(ctx context.Context, keyID string, rotatedAt, next time.Time) error {
	res := GetDB(ctx, r.db).Model(&models.RotationSchedule{}).
		Where("key_id = ?", keyID).
		Updates(map[string]interface{}{
			"last_rotation_at": rotatedAt.UTC(),
			"next_rotation_at": next.UTC(),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return domainerrors.RotationFailed("failed to advance rotation schedule", keyID, "", res.Error)
	}
	if res.RowsAffected == 0 {
		return domainerrors.RotationFailed("rotation schedule not found", keyID, "", domainerrors.ErrNotFound)
	}
	return nil
}

func (r *RotationScheduleRepositoryImpl) SetEnabled(ctx context.Context, keyID string, enabled bool) error {
	res := GetDB(ctx, r.db).Model(&models.RotationSchedule{}).
		Where("key_id = ?", keyID).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domainerrors.RotationFailed("failed to update rotation schedule", keyID, "", res.Error)
	}
	if res.RowsAffected == 0 {
		return domainerrors.RotationFailed("rotation schedule not found", keyID, "", domainerrors.ErrNotFound)
	}
	return nil
}

func (r *RotationScheduleRepositoryImpl) ListEnabled(ctx context.Context, tenantID string) ([]*entities.RotationSchedule, error) {
	var ms []models.RotationSchedule
	err := GetDB(ctx, r.db).
		Table("rotation_schedules AS rs").
		Select("rs.*").
		Joins("JOIN encryption_keys AS ek ON ek.id = rs.key_id").
		Where("rs.enabled = ? AND ek.tenant_id = ?", true, tenantID).
		Order("rs.next_rotation_at ASC").
		Scan(&ms).Error
	if err != nil {
		return nil, domainerrors.RotationFailed("failed to list rotation schedules", "", tenantID, err)
	}
	out := make([]*entities.RotationSchedule, 0, len(ms))
	for i := range ms {
		out = append(out, toScheduleEntity(&ms[i]))
	}
	return out, nil
}

func (r *RotationScheduleRepositoryImpl) Stats(ctx context.Context, tenantID string, now time.Time) (*entities.RotationStats, error) {
	base := func() *gorm.DB {
		q := GetDB(ctx, r.db).Table("rotation_schedules AS rs")
		if tenantID != "" {
			q = q.Joins("JOIN encryption_keys AS ek ON ek.id = rs.key_id").Where("ek.tenant_id = ?", tenantID)
		}
		return q
	}

	stats := &entities.RotationStats{}
	if err := base().Count(&stats.TotalScheduled).Error; err != nil {
		return nil, domainerrors.RotationFailed("failed to count schedules", "", tenantID, err)
	}
	if err := base().Where("rs.enabled = ?", true).Count(&stats.ActiveSchedules).Error; err != nil {
		return nil, domainerrors.RotationFailed("failed to count active schedules", "", tenantID, err)
	}
	if err := base().Where("rs.enabled = ? AND rs.next_rotation_at > ? AND rs.next_rotation_at <= ?", true, now.UTC(), now.Add(upcomingWindow).UTC()).
		Count(&stats.UpcomingRotations).Error; err != nil {
		return nil, domainerrors.RotationFailed("failed to count upcoming rotations", "", tenantID, err)
	}
	if err := base().Where("rs.enabled = ? AND rs.next_rotation_at <= ?", true, now.UTC()).
		Count(&stats.OverdueRotations).Error; err != nil {
		return nil, domainerrors.RotationFailed("failed to count overdue rotations", "", tenantID, err)
	}
	return stats, nil
}

func toScheduleEntity(m *models.RotationSchedule) *entities.RotationSchedule {
	return &entities.RotationSchedule{
		KeyID:          m.KeyID,
		Enabled:        m.Enabled,
		IntervalDays:   m.IntervalDays,
		NextRotationAt: m.NextRotationAt,
		LastRotationAt: null.TimeFromPtr(m.LastRotationAt),
	}
}
