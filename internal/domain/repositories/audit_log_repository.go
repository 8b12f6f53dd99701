package repositories

import (
	"context"
	"time"

	"kms-core.backend/internal/domain/entities"
)

type AuditLogRepository interface {
	Create(ctx context.Context, entry *entities.AuditLogEntry) error
	Query(ctx context.Context, filters entities.AuditFilters) ([]*entities.AuditLogEntry, error)
	// FindSuspicious returns failures, security alerts and unauthorized access since the given time, newest first.
	FindSuspicious(ctx context.Context, tenantID string, since time.Time) ([]*entities.AuditLogEntry, error)
	CountByEventType(ctx context.Context, tenantID string, start, end time.Time) (map[entities.AuditEventType]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
