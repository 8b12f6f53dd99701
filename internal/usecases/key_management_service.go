package usecases

import (
	"context"
	"sync"
	"time"

	"github.com/volatiletech/null/v8"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/domain/repositories"
	"kms-core.backend/pkg/crypto"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/utils"
)

const (
	opCreateKey       = "create_key"
	opGetKey          = "get_key"
	opGetKeyMetadata  = "get_key_metadata"
	opRotateKey       = "rotate_key"
	opCompromiseKey   = "compromise_key"
	opActiveKey       = "get_active_key"
	opDeleteKey       = "delete_key"
	opDisableKey      = "disable_key"
	defaultCacheTTL   = 300 * time.Second
	metaAutoProvision = "autoProvisioned"
)

type KMSConfig struct {
	DefaultAlgorithm entities.Algorithm
	KeyCacheTTL      time.Duration
	DecryptedKeyTTL  time.Duration
}

// KMSDeps collects the collaborators of KeyManagementService.
type KMSDeps struct {
	Keys       repositories.KeyRepository
	Schedules  repositories.RotationScheduleRepository
	Cache      repositories.KeyCache
	Audit      *AuditLogger
	Alerts     *AlertManager
	Rotation   *KeyRotationManager
	MasterKey  *MasterKeyManager
	Cipher     EnvelopeCipher
	Metrics    *metrics.Collector
	UnitOfWork repositories.UnitOfWork
	Config     KMSConfig
}

// KeyManagementService is the entry point for key lifecycle operations. Plaintext
// key material only leaves it through GetKey.
type KeyManagementService struct {
	keys      repositories.KeyRepository
	schedules repositories.RotationScheduleRepository
	cache     repositories.KeyCache
	audit     *AuditLogger
	alerts    *AlertManager
	rotation  *KeyRotationManager
	masterKey *MasterKeyManager
	cipher    EnvelopeCipher
	metrics   *metrics.Collector
	uow       repositories.UnitOfWork
	cfg       KMSConfig

	provisioning keyedMutex
}

func NewKeyManagementService(d KMSDeps) *KeyManagementService {
	cfg := d.Config
	if !cfg.DefaultAlgorithm.Valid() {
		cfg.DefaultAlgorithm = entities.AlgorithmAES256GCM
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = defaultCacheTTL
	}
	if cfg.DecryptedKeyTTL <= 0 {
		cfg.DecryptedKeyTTL = DefaultDecryptedKeyTTL
	}
	cipher := d.Cipher
	if cipher == nil {
		cipher = crypto.NewEnvelopeCipher()
	}

	s := &KeyManagementService{
		keys:      d.Keys,
		schedules: d.Schedules,
		cache:     d.Cache,
		audit:     d.Audit,
		alerts:    d.Alerts,
		rotation:  d.Rotation,
		masterKey: d.MasterKey,
		cipher:    cipher,
		metrics:   d.Metrics,
		uow:       d.UnitOfWork,
		cfg:       cfg,
	}
	if s.rotation != nil {
		s.rotation.SetRotator(s)
	}
	return s
}

func keyAAD(tenantID, keyID string) []byte {
	return []byte(tenantID + "|" + keyID)
}

// sealNewKey generates a data key and wraps it under the master key. The
// plaintext is wiped before returning.
func (s *KeyManagementService) sealNewKey(opts entities.CreateKeyOptions, version int) (*entities.EncryptionKey, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = s.cfg.DefaultAlgorithm
	}
	master, err := s.masterKey.GetMasterKey()
	if err != nil {
		return nil, err
	}
	defer wipe(master)

	dek, err := s.cipher.GenerateDataKey()
	if err != nil {
		return nil, domainerrors.EncryptionFailed("failed to generate data key", "", opts.TenantID, err)
	}
	defer wipe(dek)

	keyID := utils.NewID()
	env, err := s.cipher.Seal(string(alg), master, dek, keyAAD(opts.TenantID, keyID))
	if err != nil {
		return nil, domainerrors.EncryptionFailed("failed to encrypt data key", keyID, opts.TenantID, err)
	}
	h := env.Hex()

	now := nowFunc().UTC()
	return &entities.EncryptionKey{
		ID:           keyID,
		TenantID:     opts.TenantID,
		Purpose:      opts.Purpose,
		Algorithm:    alg,
		EncryptedKey: h.Ciphertext,
		IV:           h.Nonce,
		AuthTag:      h.Tag,
		Version:      version,
		Status:       entities.KeyStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    opts.ExpiresAt,
		Metadata:     opts.Metadata,
	}, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *KeyManagementService) persistNewKey(ctx context.Context, key *entities.EncryptionKey, intervalDays int, lastRotation null.Time) error {
	if err := s.keys.SaveKey(ctx, key); err != nil {
		return err
	}
	if intervalDays <= 0 {
		return nil
	}
	schedule := &entities.RotationSchedule{
		KeyID:          key.ID,
		Enabled:        true,
		IntervalDays:   intervalDays,
		NextRotationAt: nowFunc().UTC().AddDate(0, 0, intervalDays),
		LastRotationAt: lastRotation,
	}
	if err := s.schedules.Upsert(ctx, schedule); err != nil {
		return err
	}
	key.RotationSchedule = schedule
	return nil
}

func (s *KeyManagementService) cacheRecord(ctx context.Context, key *entities.EncryptionKey) {
	if err := s.cache.CacheKey(ctx, key, s.cfg.KeyCacheTTL); err != nil {
		logger.Warn(ctx, "Failed to cache key", zap.String("key_id", key.ID), zap.Error(err))
	}
	if key.Status == entities.KeyStatusActive {
		if err := s.cache.CacheActiveKey(ctx, key, s.cfg.KeyCacheTTL); err != nil {
			logger.Warn(ctx, "Failed to cache active key", zap.String("key_id", key.ID), zap.Error(err))
		}
	}
}

func (s *KeyManagementService) evict(ctx context.Context, key *entities.EncryptionKey) {
	if err := s.cache.InvalidateKey(ctx, key.ID, key.TenantID); err != nil {
		logger.Warn(ctx, "Failed to evict key from cache", zap.String("key_id", key.ID), zap.Error(err))
	}
	if err := s.cache.InvalidateActiveKey(ctx, key.TenantID, key.Purpose); err != nil {
		logger.Warn(ctx, "Failed to evict active key from cache", zap.String("key_id", key.ID), zap.Error(err))
	}
}

// CreateKey provisions a new ACTIVE data key (version 1 of a new lineage).
func (s *KeyManagementService) CreateKey(ctx context.Context, opts entities.CreateKeyOptions) (meta *entities.KeyMetadata, err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opCreateKey, start, err) }()

	actor := ActorFrom(ctx)
	if err = validateCreateKeyOptions(opts); err != nil {
		if domainerrors.CodeOf(err) != domainerrors.CodeInvalidTenant {
			s.audit.LogFailure(ctx, entities.AuditKeyCreated, "", opts.TenantID, actionCreateKey, actor, err, nil)
		}
		return nil, err
	}

	key, err := s.sealNewKey(opts, 1)
	if err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyCreated, "", opts.TenantID, actionCreateKey, actor, err,
			map[string]any{"purpose": string(opts.Purpose)})
		return nil, err
	}

	interval := 0
	if opts.AutoRotate {
		interval = opts.RotationIntervalDays
	}
	err = s.uow.Do(ctx, func(txCtx context.Context) error {
		return s.persistNewKey(txCtx, key, interval, null.Time{})
	})
	if err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyCreated, key.ID, key.TenantID, actionCreateKey, actor, err,
			map[string]any{"purpose": string(opts.Purpose)})
		return nil, err
	}

	s.cacheRecord(ctx, key)
	s.audit.LogKeyCreation(ctx, key.ID, key.TenantID, actor, entities.AuditResultSuccess, map[string]any{
		"purpose":    string(key.Purpose),
		"algorithm":  string(key.Algorithm),
		"version":    key.Version,
		"autoRotate": opts.AutoRotate,
	})
	logger.Info(ctx, "Key created",
		zap.String("key_id", key.ID),
		zap.String("tenant_id", key.TenantID),
		zap.String("purpose", string(key.Purpose)),
	)
	return key.ToMetadata(), nil
}

// loadKey reads through the cache and returns KEY_NOT_FOUND when the tenant has no such key.
func (s *KeyManagementService) loadKey(ctx context.Context, keyID, tenantID string) (key *entities.EncryptionKey, fromCache bool, err error) {
	if cached := s.cache.GetCachedKey(ctx, keyID, tenantID); cached != nil {
		return cached, true, nil
	}
	key, err = s.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return nil, false, err
	}
	if key == nil {
		return nil, false, domainerrors.KeyNotFound(keyID, tenantID)
	}
	return key, false, nil
}

func source(fromCache bool) string {
	if fromCache {
		return "cache"
	}
	return "storage"
}

// GetKeyMetadata returns a key without its envelope and marks it used.
func (s *KeyManagementService) GetKeyMetadata(ctx context.Context, keyID, tenantID string) (meta *entities.KeyMetadata, err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opGetKeyMetadata, start, err) }()

	actor := ActorFrom(ctx)
	if err = validateKeyRef(keyID, tenantID); err != nil {
		return nil, err
	}

	key, fromCache, err := s.loadKey(ctx, keyID, tenantID)
	if err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyAccessed, keyID, tenantID, actionGetKey, actor, err, nil)
		return nil, err
	}
	if !fromCache {
		schedule, serr := s.schedules.GetByKeyID(ctx, keyID)
		if serr != nil {
			logger.Warn(ctx, "Failed to load rotation schedule", zap.String("key_id", keyID), zap.Error(serr))
		}
		key.RotationSchedule = schedule
	}

	_ = s.keys.UpdateLastUsed(ctx, keyID, tenantID)
	key.LastUsedAt = null.TimeFrom(nowFunc().UTC())
	if err := s.cache.CacheKey(ctx, key, s.cfg.KeyCacheTTL); err != nil {
		logger.Warn(ctx, "Failed to cache key", zap.String("key_id", keyID), zap.Error(err))
	}

	s.audit.LogKeyAccess(ctx, keyID, tenantID, actor, entities.AuditResultSuccess, map[string]any{
		"operation": "metadata",
		"source":    source(fromCache),
	})
	return key.ToMetadata(), nil
}

// GetKey returns the plaintext data key. Only ACTIVE and DEPRECATED keys can be read.
func (s *KeyManagementService) GetKey(ctx context.Context, keyID, tenantID, serviceID string) (material []byte, err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opGetKey, start, err) }()

	actor := ActorFrom(ctx)
	actor.ServiceID = serviceID
	if err = validateKeyRef(keyID, tenantID); err != nil {
		return nil, err
	}
	if len(serviceID) > maxServiceIDLength {
		return nil, domainerrors.InvalidInput("service id too long")
	}

	key, fromCache, err := s.loadKey(ctx, keyID, tenantID)
	if err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyAccessed, keyID, tenantID, actionGetKey, actor, err, nil)
		return nil, err
	}
	if !key.Status.Readable() {
		err = domainerrors.KeyDisabled(keyID, tenantID, string(key.Status))
		s.audit.LogFailure(ctx, entities.AuditKeyAccessed, keyID, tenantID, actionGetKey, actor, err,
			map[string]any{"status": string(key.Status)})
		return nil, err
	}
	if !fromCache {
		if cerr := s.cache.CacheKey(ctx, key, s.cfg.KeyCacheTTL); cerr != nil {
			logger.Warn(ctx, "Failed to cache key", zap.String("key_id", keyID), zap.Error(cerr))
		}
	}

	material = s.cache.GetCachedDecryptedKey(ctx, keyID, tenantID)
	materialSource := "cache"
	if material == nil {
		material, err = s.unwrap(key)
		if err != nil {
			s.audit.LogFailure(ctx, entities.AuditKeyAccessed, keyID, tenantID, actionGetKey, actor, err, nil)
			return nil, err
		}
		materialSource = "decrypt"
		if cerr := s.cache.CacheDecryptedKey(ctx, keyID, tenantID, material, s.cfg.DecryptedKeyTTL); cerr != nil {
			logger.Warn(ctx, "Failed to cache decrypted key", zap.String("key_id", keyID), zap.Error(cerr))
		}
	}

	_ = s.keys.UpdateLastUsed(ctx, keyID, tenantID)
	s.audit.LogKeyAccess(ctx, keyID, tenantID, actor, entities.AuditResultSuccess, map[string]any{
		"operation": "decrypt",
		"source":    materialSource,
		"status":    string(key.Status),
	})
	return material, nil
}

func (s *KeyManagementService) unwrap(key *entities.EncryptionKey) ([]byte, error) {
	master, err := s.masterKey.GetMasterKey()
	if err != nil {
		return nil, err
	}
	defer wipe(master)

	env, err := crypto.DecodeHexEnvelope(crypto.HexEnvelope{
		Ciphertext: key.EncryptedKey,
		Nonce:      key.IV,
		Tag:        key.AuthTag,
	})
	if err != nil {
		return nil, domainerrors.EncryptionFailed("stored envelope is malformed", key.ID, key.TenantID, err)
	}
	dek, err := s.cipher.Open(string(key.Algorithm), master, env, keyAAD(key.TenantID, key.ID))
	if err != nil {
		return nil, domainerrors.EncryptionFailed("failed to decrypt key", key.ID, key.TenantID, err)
	}
	return dek, nil
}

// RotateKey deprecates the key and creates version+1 with the same purpose,
// algorithm and schedule. Both writes commit together.
func (s *KeyManagementService) RotateKey(ctx context.Context, keyID, tenantID string) (meta *entities.KeyMetadata, err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opRotateKey, start, err) }()

	actor := ActorFrom(ctx)
	var old, next *entities.EncryptionKey
	err = s.uow.Do(ctx, func(txCtx context.Context) error {
		o, err := s.rotation.RotateKey(txCtx, keyID, tenantID)
		if err != nil {
			return err
		}
		old = o

		schedule, err := s.schedules.GetByKeyID(txCtx, keyID)
		if err != nil {
			return err
		}

		now := nowFunc().UTC()
		opts := entities.CreateKeyOptions{
			TenantID:  old.TenantID,
			Purpose:   old.Purpose,
			Algorithm: old.Algorithm,
			Metadata:  withField(withField(old.Metadata, metaRotatedFrom, old.ID), metaRotatedAt, now.Format(time.RFC3339)),
		}
		if old.ExpiresAt.Valid {
			if lifetime := old.ExpiresAt.Time.Sub(old.CreatedAt); lifetime > 0 {
				opts.ExpiresAt = null.TimeFrom(now.Add(lifetime))
			}
		}

		n, err := s.sealNewKey(opts, old.Version+1)
		if err != nil {
			return err
		}

		interval := 0
		if schedule != nil && schedule.Enabled {
			interval = schedule.IntervalDays
		}
		if err := s.persistNewKey(txCtx, n, interval, null.TimeFrom(now)); err != nil {
			return err
		}
		if interval > 0 {
			if err := s.schedules.MarkRotated(txCtx, keyID, now, n.RotationSchedule.NextRotationAt); err != nil {
				return err
			}
			if err := s.schedules.SetEnabled(txCtx, keyID, false); err != nil {
				return err
			}
		}
		next = n
		return nil
	})
	if err != nil {
		if domainerrors.CodeOf(err) == "" {
			err = domainerrors.RotationFailed("key rotation failed", keyID, tenantID, err)
		}
		if domainerrors.CodeOf(err) != domainerrors.CodeInvalidTenant {
			s.audit.LogFailure(ctx, entities.AuditKeyRotated, keyID, tenantID, actionRotateKey, actor, err, nil)
			s.alerts.HandleRotationError(ctx, keyID, tenantID, err)
		}
		return nil, err
	}

	s.evict(ctx, old)
	s.cacheRecord(ctx, next)

	s.audit.LogKeyStatusChange(ctx, old.ID, tenantID, entities.KeyStatusActive, entities.KeyStatusDeprecated, actor)
	s.audit.LogKeyRotation(ctx, old.ID, next.ID, tenantID, actor, entities.AuditResultSuccess, map[string]any{
		"oldVersion": old.Version,
		"newVersion": next.Version,
		"purpose":    string(next.Purpose),
	})
	s.alerts.HandleSecurityEvent(ctx, SecurityKeyRotation, map[string]any{
		"keyId":    old.ID,
		"newKeyId": next.ID,
		"tenantId": tenantID,
	})
	return next.ToMetadata(), nil
}

// CompromiseKey marks a key COMPROMISED. The status is terminal: the key is never
// rotated or decrypted again and every cache entry for it is evicted.
func (s *KeyManagementService) CompromiseKey(ctx context.Context, keyID, tenantID, reason string) (err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opCompromiseKey, start, err) }()

	actor := ActorFrom(ctx)
	if err = validateKeyRef(keyID, tenantID); err != nil {
		return err
	}
	key, err := s.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return err
	}
	if key == nil {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	if key.Status == entities.KeyStatusCompromised {
		return nil
	}

	err = s.uow.Do(ctx, func(txCtx context.Context) error {
		if err := s.keys.UpdateKeyStatus(txCtx, keyID, tenantID, entities.KeyStatusCompromised); err != nil {
			return err
		}
		return s.disableSchedule(txCtx, keyID)
	})
	if err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyCompromised, keyID, tenantID, actionChangeStatus, actor, err, nil)
		return err
	}
	s.evict(ctx, key)

	s.audit.LogKeyStatusChange(ctx, keyID, tenantID, key.Status, entities.KeyStatusCompromised, actor)
	s.audit.LogSecurityEvent(ctx, entities.AuditSecurityAlert, keyID, tenantID, actor, map[string]any{
		"reason": reason,
		"event":  string(SecurityKeyCompromised),
	})
	s.alerts.HandleSecurityEvent(ctx, SecurityKeyCompromised, map[string]any{
		"keyId":    keyID,
		"tenantId": tenantID,
		"purpose":  string(key.Purpose),
		"reason":   reason,
	})
	return nil
}

func (s *KeyManagementService) disableSchedule(ctx context.Context, keyID string) error {
	schedule, err := s.schedules.GetByKeyID(ctx, keyID)
	if err != nil || schedule == nil || !schedule.Enabled {
		return err
	}
	return s.schedules.SetEnabled(ctx, keyID, false)
}

// GetActiveKeyForPurpose returns the newest ACTIVE key for the purpose, creating
// one when the tenant has none.
func (s *KeyManagementService) GetActiveKeyForPurpose(ctx context.Context, tenantID string, purpose entities.KeyPurpose) (meta *entities.KeyMetadata, err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opActiveKey, start, err) }()

	if err = validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err = validatePurpose(purpose); err != nil {
		return nil, err
	}
	if cached := s.cache.GetCachedActiveKey(ctx, tenantID, purpose); cached != nil && cached.Status == entities.KeyStatusActive {
		return cached.ToMetadata(), nil
	}

	unlock := s.provisioning.Lock(tenantID + "|" + string(purpose))
	defer unlock()

	key, err := s.keys.GetLatestKeyForPurpose(ctx, tenantID, purpose)
	if err != nil {
		return nil, err
	}
	if key != nil {
		s.cacheRecord(ctx, key)
		return key.ToMetadata(), nil
	}

	logger.Info(ctx, "No active key for purpose, provisioning one",
		zap.String("tenant_id", tenantID),
		zap.String("purpose", string(purpose)),
	)
	return s.CreateKey(ctx, entities.CreateKeyOptions{
		TenantID: tenantID,
		Purpose:  purpose,
		Metadata: map[string]any{metaAutoProvision: true},
	})
}

func (s *KeyManagementService) ListKeys(ctx context.Context, tenantID string, filters entities.KeyFilters) ([]*entities.KeyMetadata, utils.PaginationMeta, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, utils.PaginationMeta{}, err
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, utils.PaginationMeta{}, domainerrors.InvalidInput("invalid key status: " + string(filters.Status))
	}
	if filters.Purpose != "" {
		if err := validatePurpose(filters.Purpose); err != nil {
			return nil, utils.PaginationMeta{}, err
		}
	}

	page := utils.GetPaginationParams(filters.Limit, filters.Offset)
	filters.Limit, filters.Offset = page.Limit, page.Offset
	keys, total, err := s.keys.ListKeys(ctx, tenantID, filters)
	if err != nil {
		return nil, utils.PaginationMeta{}, err
	}
	out := make([]*entities.KeyMetadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ToMetadata())
	}
	return out, utils.CalculateMeta(total, page), nil
}

// DeleteKey hard-deletes a key and its schedule. Data still encrypted under it
// becomes unreadable.
func (s *KeyManagementService) DeleteKey(ctx context.Context, keyID, tenantID string) (err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opDeleteKey, start, err) }()

	actor := ActorFrom(ctx)
	if err = validateKeyRef(keyID, tenantID); err != nil {
		return err
	}
	key, err := s.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return err
	}
	if key == nil {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	if err = s.keys.DeleteKey(ctx, keyID, tenantID); err != nil {
		s.audit.LogFailure(ctx, entities.AuditKeyDeleted, keyID, tenantID, actionDeleteKey, actor, err, nil)
		return err
	}
	s.evict(ctx, key)
	s.audit.LogKeyDeletion(ctx, keyID, tenantID, actor, map[string]any{
		"purpose": string(key.Purpose),
		"version": key.Version,
		"status":  string(key.Status),
	})
	return nil
}

// DisableKey stops all use of a key. Compromised keys keep their status.
func (s *KeyManagementService) DisableKey(ctx context.Context, keyID, tenantID string) (err error) {
	start := nowFunc()
	defer func() { s.metrics.ObserveOperation(opDisableKey, start, err) }()

	actor := ActorFrom(ctx)
	if err = validateKeyRef(keyID, tenantID); err != nil {
		return err
	}
	key, err := s.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return err
	}
	if key == nil {
		return domainerrors.KeyNotFound(keyID, tenantID)
	}
	switch key.Status {
	case entities.KeyStatusDisabled:
		return nil
	case entities.KeyStatusCompromised:
		return domainerrors.InvalidInput("compromised keys cannot change status")
	}

	err = s.uow.Do(ctx, func(txCtx context.Context) error {
		if err := s.keys.UpdateKeyStatus(txCtx, keyID, tenantID, entities.KeyStatusDisabled); err != nil {
			return err
		}
		return s.disableSchedule(txCtx, keyID)
	})
	if err != nil {
		return err
	}
	s.evict(ctx, key)
	s.audit.LogKeyStatusChange(ctx, keyID, tenantID, key.Status, entities.KeyStatusDisabled, actor)
	return nil
}

// ReEncryptData moves referenced rows from oldKeyID to newKeyID. Both keys must belong to the tenant.
func (s *KeyManagementService) ReEncryptData(ctx context.Context, tenantID, oldKeyID, newKeyID string, refs []entities.DataReference) (entities.ReEncryptionResult, error) {
	for _, id := range []string{oldKeyID, newKeyID} {
		if err := validateKeyRef(id, tenantID); err != nil {
			return entities.ReEncryptionResult{}, err
		}
		key, err := s.keys.GetKey(ctx, id, tenantID)
		if err != nil {
			return entities.ReEncryptionResult{}, err
		}
		if key == nil {
			return entities.ReEncryptionResult{}, domainerrors.KeyNotFound(id, tenantID)
		}
	}
	return s.rotation.ReEncryptData(ctx, tenantID, oldKeyID, newKeyID, refs)
}

// CountKeysByStatus counts keys per status. An empty tenantID counts every tenant
// and refreshes the key gauges.
func (s *KeyManagementService) CountKeysByStatus(ctx context.Context, tenantID string) (map[entities.KeyStatus]int64, error) {
	if tenantID != "" {
		if err := validateTenantID(tenantID); err != nil {
			return nil, err
		}
	}
	counts, err := s.keys.CountKeysByStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		gauge := make(map[string]int64, len(counts))
		for status, n := range counts {
			gauge[string(status)] = n
		}
		s.metrics.SetKeysByStatus(gauge)
	}
	return counts, nil
}

func (s *KeyManagementService) GetCacheStats(ctx context.Context) entities.CacheStats {
	return s.cache.GetCacheStats(ctx)
}

// keyedMutex serialises work per key while letting different keys proceed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
