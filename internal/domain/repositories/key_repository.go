package repositories

import (
	"context"
	"time"

	"kms-core.backend/internal/domain/entities"
)

// KeyRepository persists encrypted key records. Every lookup is tenant scoped;
// the only cross-tenant reads are the sweep helpers, which take "" to mean all tenants.
type KeyRepository interface {
	SaveKey(ctx context.Context, key *entities.EncryptionKey) error
	// GetKey returns nil, nil when the key does not exist in the tenant.
	GetKey(ctx context.Context, keyID, tenantID string) (*entities.EncryptionKey, error)
	GetLatestKeyForPurpose(ctx context.Context, tenantID string, purpose entities.KeyPurpose) (*entities.EncryptionKey, error)
	UpdateKeyStatus(ctx context.Context, keyID, tenantID string, status entities.KeyStatus) error
	UpdateLastUsed(ctx context.Context, keyID, tenantID string) error
	UpdateKeyMetadata(ctx context.Context, keyID, tenantID string, expiresAt *time.Time, metadata map[string]any) error
	ListKeys(ctx context.Context, tenantID string, filters entities.KeyFilters) ([]*entities.EncryptionKey, int64, error)
	DeleteKey(ctx context.Context, keyID, tenantID string) error
	CountKeysByStatus(ctx context.Context, tenantID string) (map[entities.KeyStatus]int64, error)
	FindExpiredKeys(ctx context.Context, tenantID string) ([]*entities.EncryptionKey, error)
	CountExpiredActive(ctx context.Context, now time.Time) (int64, error)
	CountAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
