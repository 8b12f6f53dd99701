package repositories

import (
	"context"
	"time"

	"kms-core.backend/internal/domain/entities"
)

type RotationScheduleRepository interface {
	Upsert(ctx context.Context, schedule *entities.RotationSchedule) error
	GetByKeyID(ctx context.Context, keyID string) (*entities.RotationSchedule, error)
	// FindDue returns enabled schedules with NextRotationAt <= now together with the key's tenant.
	FindDue(ctx context.Context, now time.Time) ([]*entities.DueRotation, error)
	MarkRotated(ctx context.Context, keyID string, rotatedAt, next time.Time) error
	SetEnabled(ctx context.Context, keyID string, enabled bool) error
	ListEnabled(ctx context.Context, tenantID string) ([]*entities.RotationSchedule, error)
	// Stats counts schedules for tenantID, or across tenants when tenantID is "".
	Stats(ctx context.Context, tenantID string, now time.Time) (*entities.RotationStats, error)
}
