package repositories

import (
	"context"
	"time"

	"kms-core.backend/internal/domain/entities"
)

// KeyCache is the read-through cache in front of KeyRepository. Lookups return
// nil on a miss or when the cache is unavailable.
type KeyCache interface {
	CacheKey(ctx context.Context, key *entities.EncryptionKey, ttl time.Duration) error
	GetCachedKey(ctx context.Context, keyID, tenantID string) *entities.EncryptionKey
	InvalidateKey(ctx context.Context, keyID, tenantID string) error
	InvalidateTenantKeys(ctx context.Context, tenantID string) error
	RefreshTTL(ctx context.Context, keyID, tenantID string, ttl time.Duration)
	GetCacheStats(ctx context.Context) entities.CacheStats

	CacheActiveKey(ctx context.Context, key *entities.EncryptionKey, ttl time.Duration) error
	GetCachedActiveKey(ctx context.Context, tenantID string, purpose entities.KeyPurpose) *entities.EncryptionKey
	InvalidateActiveKey(ctx context.Context, tenantID string, purpose entities.KeyPurpose) error

	CacheDecryptedKey(ctx context.Context, keyID, tenantID string, material []byte, ttl time.Duration) error
	GetCachedDecryptedKey(ctx context.Context, keyID, tenantID string) []byte

	Ping(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
}
