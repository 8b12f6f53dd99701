package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/pkg/crypto"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/redis"
)

const (
	DefaultTTL             = 300 * time.Second
	DefaultDecryptedKeyTTL = 300 * time.Second

	keyPrefix          = "kms:key:"
	activeKeyPrefix    = "kms:active_key:"
	decryptedKeyPrefix = "kms:decrypted_key:"
	statsKey           = "kms:stats:global"
	healthProbeKey     = "kms:health:cache_manager"
	statsTTL           = 24 * time.Hour

	fieldHits   = "hits"
	fieldMisses = "misses"
)

// KeyCacheManager is a write-through cache of key records keyed by tenant and key id.
// Lookups never fail: a cache outage is reported as a miss.
type KeyCacheManager struct {
	cache      redis.Cache
	defaultTTL time.Duration
	metrics    *metrics.Collector
	wrapKey    []byte

	hits   *atomic.Int64
	misses *atomic.Int64
}

type Option func(*KeyCacheManager)

// WithDefaultTTL overrides the TTL applied when CacheKey is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *KeyCacheManager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *KeyCacheManager) { m.metrics = c }
}

// WithDecryptedKeyWrapping seals decrypted key material with key before it is written to the cache.
func WithDecryptedKeyWrapping(key []byte) Option {
	return func(m *KeyCacheManager) { m.wrapKey = key }
}

func NewKeyCacheManager(c redis.Cache, opts ...Option) *KeyCacheManager {
	m := &KeyCacheManager{
		cache:      c,
		defaultTTL: DefaultTTL,
		hits:       atomic.NewInt64(0),
		misses:     atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KeyFor returns the cache key of a record: kms:key:{tenant}:{keyId}.
func KeyFor(tenantID, keyID string) string {
	return keyPrefix + tenantID + ":" + keyID
}

func activeKeyFor(tenantID string, purpose entities.KeyPurpose) string {
	return activeKeyPrefix + tenantID + ":" + string(purpose)
}

func decryptedKeyFor(tenantID, keyID string) string {
	return decryptedKeyPrefix + tenantID + ":" + keyID
}

func (m *KeyCacheManager) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return ttl
}

// CacheKey writes the record under its tenant-scoped key.
func (m *KeyCacheManager) CacheKey(ctx context.Context, key *entities.EncryptionKey, ttl time.Duration) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return domainerrors.CacheError("failed to encode key for cache", err)
	}
	if err := m.cache.Set(ctx, KeyFor(key.TenantID, key.ID), raw, m.ttlOrDefault(ttl)); err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to cache key", key.ID, key.TenantID, err)
	}
	return nil
}

// GetCachedKey returns nil on a miss, a decode failure or a cache outage.
func (m *KeyCacheManager) GetCachedKey(ctx context.Context, keyID, tenantID string) *entities.EncryptionKey {
	raw, found, err := m.cache.Get(ctx, KeyFor(tenantID, keyID))
	if err != nil {
		logger.Warn(ctx, "Key cache lookup failed",
			zap.String("key_id", keyID),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		m.recordLookup(ctx, false)
		return nil
	}
	if !found {
		m.recordLookup(ctx, false)
		return nil
	}

	var key entities.EncryptionKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		logger.Warn(ctx, "Discarding undecodable cache entry", zap.String("key_id", keyID), zap.Error(err))
		_, _ = m.cache.Del(ctx, KeyFor(tenantID, keyID))
		m.recordLookup(ctx, false)
		return nil
	}
	m.recordLookup(ctx, true)
	return &key
}

func (m *KeyCacheManager) recordLookup(ctx context.Context, hit bool) {
	field := fieldMisses
	if hit {
		field = fieldHits
		m.hits.Inc()
		m.metrics.CacheHit()
	} else {
		m.misses.Inc()
		m.metrics.CacheMiss()
	}

	if err := m.cache.HIncrBy(ctx, statsKey, field, 1); err != nil {
		logger.Debug(ctx, "Failed to persist cache stats", zap.Error(err))
		return
	}
	_, _ = m.cache.Expire(ctx, statsKey, statsTTL)
}

func (m *KeyCacheManager) InvalidateKey(ctx context.Context, keyID, tenantID string) error {
	if _, err := m.cache.Del(ctx, KeyFor(tenantID, keyID), decryptedKeyFor(tenantID, keyID)); err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to invalidate key", keyID, tenantID, err)
	}
	return nil
}

// InvalidateTenantKeys scans and deletes every entry of the tenant. It is not atomic:
// an entry written while the scan runs may survive.
func (m *KeyCacheManager) InvalidateTenantKeys(ctx context.Context, tenantID string) error {
	var all []string
	for _, prefix := range []string{keyPrefix, activeKeyPrefix, decryptedKeyPrefix} {
		keys, err := m.cache.Keys(ctx, prefix+tenantID+":*")
		if err != nil {
			return domainerrors.New(domainerrors.CodeCacheError, "failed to scan tenant keys", "", tenantID, err)
		}
		all = append(all, keys...)
	}
	n, err := m.cache.Del(ctx, all...)
	if err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to invalidate tenant keys", "", tenantID, err)
	}
	logger.Info(ctx, "Invalidated tenant cache entries", zap.String("tenant_id", tenantID), zap.Int64("count", n))
	return nil
}

// GetCacheStats prefers the persisted counters and falls back to the in-process ones
// when the cache cannot be read.
func (m *KeyCacheManager) GetCacheStats(ctx context.Context) entities.CacheStats {
	hits, misses := m.hits.Load(), m.misses.Load()

	persisted, err := m.cache.HGetAll(ctx, statsKey)
	if err != nil {
		logger.Warn(ctx, "Using in-process cache stats", zap.Error(err))
	} else if len(persisted) > 0 {
		hits = parseCounter(persisted[fieldHits])
		misses = parseCounter(persisted[fieldMisses])
	}

	cached := 0
	if keys, err := m.cache.Keys(ctx, keyPrefix+"*"); err == nil {
		cached = len(keys)
	}

	return entities.CacheStats{
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
		CachedKeys: cached,
	}
}

func parseCounter(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*100*100) / 100
}

func (m *KeyCacheManager) ResetCacheStats(ctx context.Context) error {
	m.hits.Store(0)
	m.misses.Store(0)
	if _, err := m.cache.Del(ctx, statsKey); err != nil {
		return domainerrors.CacheError("failed to reset cache stats", err)
	}
	return nil
}

// ClearCache drops every key entry. Stats are kept.
func (m *KeyCacheManager) ClearCache(ctx context.Context) error {
	var all []string
	for _, prefix := range []string{keyPrefix, activeKeyPrefix, decryptedKeyPrefix} {
		keys, err := m.cache.Keys(ctx, prefix+"*")
		if err != nil {
			return domainerrors.CacheError("failed to scan cache", err)
		}
		all = append(all, keys...)
	}
	if _, err := m.cache.Del(ctx, all...); err != nil {
		return domainerrors.CacheError("failed to clear cache", err)
	}
	return nil
}

func (m *KeyCacheManager) IsCached(ctx context.Context, keyID, tenantID string) bool {
	ok, err := m.cache.Exists(ctx, KeyFor(tenantID, keyID))
	return err == nil && ok
}

// RefreshTTL extends the entry's lifetime; failures are logged only.
func (m *KeyCacheManager) RefreshTTL(ctx context.Context, keyID, tenantID string, ttl time.Duration) {
	if _, err := m.cache.Expire(ctx, KeyFor(tenantID, keyID), m.ttlOrDefault(ttl)); err != nil {
		logger.Warn(ctx, "Failed to refresh key cache TTL", zap.String("key_id", keyID), zap.Error(err))
	}
}

// CacheActiveKey indexes the current key of a (tenant, purpose).
func (m *KeyCacheManager) CacheActiveKey(ctx context.Context, key *entities.EncryptionKey, ttl time.Duration) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return domainerrors.CacheError("failed to encode active key for cache", err)
	}
	if err := m.cache.Set(ctx, activeKeyFor(key.TenantID, key.Purpose), raw, m.ttlOrDefault(ttl)); err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to cache active key", key.ID, key.TenantID, err)
	}
	return nil
}

func (m *KeyCacheManager) GetCachedActiveKey(ctx context.Context, tenantID string, purpose entities.KeyPurpose) *entities.EncryptionKey {
	raw, found, err := m.cache.Get(ctx, activeKeyFor(tenantID, purpose))
	if err != nil || !found {
		m.recordLookup(ctx, false)
		return nil
	}
	var key entities.EncryptionKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		m.recordLookup(ctx, false)
		return nil
	}
	m.recordLookup(ctx, true)
	return &key
}

func (m *KeyCacheManager) InvalidateActiveKey(ctx context.Context, tenantID string, purpose entities.KeyPurpose) error {
	if _, err := m.cache.Del(ctx, activeKeyFor(tenantID, purpose)); err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to invalidate active key", "", tenantID, err)
	}
	return nil
}

// CacheDecryptedKey stores plaintext key material for a short time. When a wrapping
// key is configured the material is sealed first, bound to tenant and key id.
func (m *KeyCacheManager) CacheDecryptedKey(ctx context.Context, keyID, tenantID string, material []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultDecryptedKeyTTL
	}
	value := hex.EncodeToString(material)
	if m.wrapKey != nil {
		env, err := crypto.Seal(crypto.AlgorithmAES256GCM, m.wrapKey, material, []byte(decryptedKeyFor(tenantID, keyID)))
		if err != nil {
			return domainerrors.EncryptionFailed("failed to wrap key for cache", keyID, tenantID, err)
		}
		h := env.Hex()
		value = h.Nonce + ":" + h.Ciphertext + ":" + h.Tag
	}
	if err := m.cache.Set(ctx, decryptedKeyFor(tenantID, keyID), value, ttl); err != nil {
		return domainerrors.New(domainerrors.CodeCacheError, "failed to cache key material", keyID, tenantID, err)
	}
	return nil
}

// GetCachedDecryptedKey returns nil on any miss or failure.
func (m *KeyCacheManager) GetCachedDecryptedKey(ctx context.Context, keyID, tenantID string) []byte {
	raw, found, err := m.cache.Get(ctx, decryptedKeyFor(tenantID, keyID))
	if err != nil || !found {
		return nil
	}
	if m.wrapKey == nil {
		material, err := hex.DecodeString(raw)
		if err != nil {
			return nil
		}
		return material
	}

	env, err := decodeWrapped(raw)
	if err != nil {
		return nil
	}
	material, err := crypto.Open(crypto.AlgorithmAES256GCM, m.wrapKey, env, []byte(decryptedKeyFor(tenantID, keyID)))
	if err != nil {
		logger.Warn(ctx, "Discarding cached key material that failed authentication", zap.String("key_id", keyID))
		_, _ = m.cache.Del(ctx, decryptedKeyFor(tenantID, keyID))
		return nil
	}
	return material
}

func decodeWrapped(raw string) (*crypto.Envelope, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return nil, crypto.ErrMalformedEnvelope
	}
	return crypto.DecodeHexEnvelope(crypto.HexEnvelope{Nonce: parts[0], Ciphertext: parts[1], Tag: parts[2]})
}

// HealthCheck performs a write/read/delete round-trip.
func (m *KeyCacheManager) HealthCheck(ctx context.Context) bool {
	value := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := m.cache.Set(ctx, healthProbeKey, value, 10*time.Second); err != nil {
		return false
	}
	got, found, err := m.cache.Get(ctx, healthProbeKey)
	if err != nil || !found || got != value {
		return false
	}
	_, err = m.cache.Del(ctx, healthProbeKey)
	return err == nil
}

func (m *KeyCacheManager) Ping(ctx context.Context) error {
	if err := m.cache.Ping(ctx); err != nil {
		return domainerrors.CacheError("cache unreachable", err)
	}
	return nil
}
