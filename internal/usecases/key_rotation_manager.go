package usecases

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/domain/repositories"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
)

// KeyRotationManager owns rotation preconditions, rotation schedules and the
// periodic sweep. Creating the replacement version is delegated to a KeyRotator.
type KeyRotationManager struct {
	keys      repositories.KeyRepository
	schedules repositories.RotationScheduleRepository
	cache     repositories.KeyCache
	audit     *AuditLogger
	alerts    *AlertManager
	metrics   *metrics.Collector

	rotator            KeyRotator
	reEncryptor        DataReEncryptor
	requireReEncryptor bool

	sweeping *atomic.Bool
}

type RotationOption func(*KeyRotationManager)

func WithReEncryptor(r DataReEncryptor) RotationOption {
	return func(m *KeyRotationManager) { m.reEncryptor = r }
}

// WithRequiredReEncryptor makes ReEncryptData fail when no re-encryptor is wired.
func WithRequiredReEncryptor(required bool) RotationOption {
	return func(m *KeyRotationManager) { m.requireReEncryptor = required }
}

func WithRotationMetrics(c *metrics.Collector) RotationOption {
	return func(m *KeyRotationManager) { m.metrics = c }
}

func NewKeyRotationManager(
	keys repositories.KeyRepository,
	schedules repositories.RotationScheduleRepository,
	cache repositories.KeyCache,
	audit *AuditLogger,
	alerts *AlertManager,
	opts ...RotationOption,
) *KeyRotationManager {
	m := &KeyRotationManager{
		keys:      keys,
		schedules: schedules,
		cache:     cache,
		audit:     audit,
		alerts:    alerts,
		sweeping:  atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRotator wires the component that creates replacement versions. The
// KeyManagementService registers itself here when it is constructed.
func (m *KeyRotationManager) SetRotator(r KeyRotator) {
	m.rotator = r
}

// RotateKey checks the key is ACTIVE and marks it DEPRECATED. It returns the
// deprecated key; the caller creates the replacement and writes the audit trail.
func (m *KeyRotationManager) RotateKey(ctx context.Context, keyID, tenantID string) (*entities.EncryptionKey, error) {
	if err := validateKeyRef(keyID, tenantID); err != nil {
		return nil, err
	}
	key, err := m.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return nil, domainerrors.RotationFailed("failed to load key for rotation", keyID, tenantID, err)
	}
	if key == nil {
		return nil, domainerrors.KeyNotFound(keyID, tenantID)
	}
	if !key.Status.Rotatable() {
		return nil, domainerrors.RotationFailed(
			fmt.Sprintf("cannot rotate key with status %s", key.Status), keyID, tenantID, nil)
	}

	if err := m.keys.UpdateKeyStatus(ctx, keyID, tenantID, entities.KeyStatusDeprecated); err != nil {
		return nil, domainerrors.RotationFailed("failed to deprecate key", keyID, tenantID, err)
	}
	if err := m.cache.InvalidateKey(ctx, keyID, tenantID); err != nil {
		logger.Warn(ctx, "Failed to evict rotated key from cache",
			zap.String("key_id", keyID),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}

	key.Status = entities.KeyStatusDeprecated
	key.UpdatedAt = nowFunc().UTC()
	return key, nil
}

// ScheduleRotation attaches or replaces the rotation schedule of a key. A zero
// NextRotationAt is set to now plus the interval.
func (m *KeyRotationManager) ScheduleRotation(ctx context.Context, keyID, tenantID string, schedule entities.RotationSchedule) (*entities.RotationSchedule, error) {
	if _, err := m.requireKey(ctx, keyID, tenantID); err != nil {
		return nil, err
	}
	if err := validateRotationInterval(schedule.IntervalDays); err != nil {
		return nil, err
	}
	schedule.KeyID = keyID
	if schedule.NextRotationAt.IsZero() {
		schedule.NextRotationAt = nowFunc().UTC().AddDate(0, 0, schedule.IntervalDays)
	}
	if err := m.schedules.Upsert(ctx, &schedule); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Rotation scheduled",
		zap.String("key_id", keyID),
		zap.String("tenant_id", tenantID),
		zap.Int("interval_days", schedule.IntervalDays),
		zap.Time("next_rotation_at", schedule.NextRotationAt),
	)
	return &schedule, nil
}

func (m *KeyRotationManager) requireKey(ctx context.Context, keyID, tenantID string) (*entities.EncryptionKey, error) {
	if err := validateKeyRef(keyID, tenantID); err != nil {
		return nil, err
	}
	key, err := m.keys.GetKey(ctx, keyID, tenantID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, domainerrors.KeyNotFound(keyID, tenantID)
	}
	return key, nil
}

// CheckAndRotateExpiredKeys runs one sweep over due schedules and over expired
// ACTIVE keys that have no schedule. Only one sweep runs at a time per process;
// an overlapping call returns a report with Skipped set.
func (m *KeyRotationManager) CheckAndRotateExpiredKeys(ctx context.Context) (*entities.RotationReport, error) {
	if !m.sweeping.CompareAndSwap(false, true) {
		logger.Warn(ctx, "Rotation sweep already running, skipping")
		return &entities.RotationReport{Skipped: true}, nil
	}
	defer m.sweeping.Store(false)

	start := nowFunc()
	report := &entities.RotationReport{RotatedKeys: []string{}, FailedKeys: []string{}}
	var merr *multierror.Error

	if m.rotator == nil {
		report.Err = domainerrors.RotationFailed("no key rotator configured", "", "", nil)
		return report, report.Err
	}

	seen := make(map[string]struct{})
	due, err := m.schedules.FindDue(ctx, start)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, d := range due {
		seen[d.Schedule.KeyID] = struct{}{}
		m.rotateOne(ctx, d.Schedule.KeyID, d.TenantID, "schedule", report, &merr)
	}

	expired, err := m.keys.FindExpiredKeys(ctx, "")
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, k := range expired {
		if _, ok := seen[k.ID]; ok || k.Status != entities.KeyStatusActive {
			continue
		}
		m.rotateOne(ctx, k.ID, k.TenantID, "expiry", report, &merr)
	}

	report.Duration = time.Since(start)
	report.Err = merr.ErrorOrNil()
	m.metrics.RotationSweep(len(report.RotatedKeys), len(report.FailedKeys))

	logger.Info(ctx, "Rotation sweep finished",
		zap.Int("processed", report.TotalProcessed),
		zap.Int("rotated", len(report.RotatedKeys)),
		zap.Int("failed", len(report.FailedKeys)),
		zap.Duration("duration", report.Duration),
	)
	return report, report.Err
}

func (m *KeyRotationManager) rotateOne(ctx context.Context, keyID, tenantID, trigger string, report *entities.RotationReport, merr **multierror.Error) {
	report.TotalProcessed++
	kctx := logger.WithTenant(ctx, tenantID)

	meta, err := m.rotator.RotateKey(kctx, keyID, tenantID)
	if err != nil {
		report.FailedKeys = append(report.FailedKeys, keyID)
		*merr = multierror.Append(*merr, fmt.Errorf("rotate %s/%s: %w", tenantID, keyID, err))
		logger.Error(kctx, "Automatic key rotation failed",
			zap.String("key_id", keyID),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return
	}

	report.RotatedKeys = append(report.RotatedKeys, keyID)
	logger.Info(kctx, "Key rotated automatically",
		zap.String("key_id", keyID),
		zap.String("new_key_id", meta.ID),
		zap.Int("version", meta.Version),
		zap.String("trigger", trigger),
	)
}

// ReEncryptData re-encrypts every referenced row from oldKeyID to newKeyID.
func (m *KeyRotationManager) ReEncryptData(ctx context.Context, tenantID, oldKeyID, newKeyID string, refs []entities.DataReference) (entities.ReEncryptionResult, error) {
	var total entities.ReEncryptionResult
	if err := validateKeyRef(oldKeyID, tenantID); err != nil {
		return total, err
	}
	if err := validateKeyID(newKeyID); err != nil {
		return total, err
	}
	for _, ref := range refs {
		if err := validateDataReference(ref); err != nil {
			return total, err
		}
	}

	if m.reEncryptor == nil {
		if m.requireReEncryptor {
			return total, domainerrors.RotationFailed("no data re-encryptor configured", oldKeyID, tenantID, nil)
		}
		logger.Warn(ctx, "No data re-encryptor configured, skipping re-encryption",
			zap.String("old_key_id", oldKeyID),
			zap.String("new_key_id", newKeyID),
			zap.Int("references", len(refs)),
		)
		return total, nil
	}

	var merr *multierror.Error
	for _, ref := range refs {
		res, err := m.reEncryptor.ReEncrypt(ctx, tenantID, oldKeyID, newKeyID, ref)
		n := len(ref.IDs)
		total.Total += n
		if err != nil {
			// Only rows the strategy reports as moved count; the rest of the reference failed.
			merr = multierror.Append(merr, fmt.Errorf("%s.%s: %w", ref.Table, ref.Column, err))
			ok := clampCount(res.Succeeded, n)
			total.Succeeded += ok
			total.Failed += n - ok
			continue
		}
		failed := clampCount(res.Failed, n)
		total.Failed += failed
		total.Succeeded += n - failed
	}

	var err error
	if total.Failed > 0 || merr.ErrorOrNil() != nil {
		err = domainerrors.RotationFailed(
			fmt.Sprintf("Re-encryption partially failed: %d/%d records failed", total.Failed, total.Total),
			oldKeyID, tenantID, merr.ErrorOrNil())
		m.alerts.CreateAlert(ctx, entities.SeverityError, "Re-encryption Failed", err.Error(), map[string]any{
			"oldKeyId": oldKeyID,
			"newKeyId": newKeyID,
			"tenantId": tenantID,
			"failed":   total.Failed,
			"total":    total.Total,
		})
	}
	m.audit.LogReEncryption(ctx, oldKeyID, newKeyID, tenantID, total, err)
	return total, err
}

func clampCount(v, n int) int {
	switch {
	case v < 0:
		return 0
	case v > n:
		return n
	}
	return v
}

// GetRotationSchedule returns the key's schedule, or nil when it has none.
func (m *KeyRotationManager) GetRotationSchedule(ctx context.Context, keyID, tenantID string) (*entities.RotationSchedule, error) {
	if _, err := m.requireKey(ctx, keyID, tenantID); err != nil {
		return nil, err
	}
	return m.schedules.GetByKeyID(ctx, keyID)
}

// EnableAutoRotation turns on rotation for a key, creating a schedule when the
// key has none. intervalDays <= 0 keeps the existing interval.
func (m *KeyRotationManager) EnableAutoRotation(ctx context.Context, keyID, tenantID string, intervalDays int) (*entities.RotationSchedule, error) {
	existing, err := m.GetRotationSchedule(ctx, keyID, tenantID)
	if err != nil {
		return nil, err
	}
	schedule := entities.RotationSchedule{Enabled: true, IntervalDays: intervalDays}
	if existing != nil {
		if intervalDays <= 0 {
			schedule.IntervalDays = existing.IntervalDays
		}
		schedule.LastRotationAt = existing.LastRotationAt
		if schedule.IntervalDays == existing.IntervalDays {
			schedule.NextRotationAt = existing.NextRotationAt
		}
	} else if intervalDays <= 0 {
		schedule.IntervalDays = DefaultRotationIntervalDays
	}
	return m.ScheduleRotation(ctx, keyID, tenantID, schedule)
}

func (m *KeyRotationManager) DisableAutoRotation(ctx context.Context, keyID, tenantID string) error {
	existing, err := m.GetRotationSchedule(ctx, keyID, tenantID)
	if err != nil {
		return err
	}
	if existing == nil || !existing.Enabled {
		return nil
	}
	return m.schedules.SetEnabled(ctx, keyID, false)
}

func (m *KeyRotationManager) ListAutoRotationKeys(ctx context.Context, tenantID string) ([]*entities.RotationSchedule, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	return m.schedules.ListEnabled(ctx, tenantID)
}

// GetRotationStats reports schedule counts for a tenant, or for all tenants when tenantID is empty.
func (m *KeyRotationManager) GetRotationStats(ctx context.Context, tenantID string) (*entities.RotationStats, error) {
	if tenantID != "" {
		if err := validateTenantID(tenantID); err != nil {
			return nil, err
		}
	}
	return m.schedules.Stats(ctx, tenantID, nowFunc())
}
