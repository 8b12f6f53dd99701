package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/infrastructure/models"
)

func createScheduledKey(t *testing.T, h *kmsHarness, tenantID string, intervalDays int) *entities.KeyMetadata {
	t.Helper()
	meta, err := h.kms.CreateKey(context.Background(), entities.CreateKeyOptions{
		TenantID:             tenantID,
		Purpose:              entities.PurposeDataEncryption,
		AutoRotate:           true,
		RotationIntervalDays: intervalDays,
	})
	require.NoError(t, err)
	return meta
}

func makeDue(t *testing.T, h *kmsHarness, keyID string) {
	t.Helper()
	require.NoError(t, h.db.Model(&models.RotationSchedule{}).
		Where("key_id = ?", keyID).
		Update("next_rotation_at", time.Now().UTC().Add(-time.Hour)).Error)
}

func makeExpired(t *testing.T, h *kmsHarness, keyID string) {
	t.Helper()
	require.NoError(t, h.db.Model(&models.EncryptionKey{}).
		Where("id = ?", keyID).
		Update("expires_at", time.Now().UTC().Add(-time.Hour)).Error)
	h.mr.FlushAll()
}

func TestRotationManager_SweepRotatesDueAndExpiredKeys(t *testing.T) {
	h := newKMSHarness(t)
	ctx := context.Background()

	due := createScheduledKey(t, h, "acme", 30)
	makeDue(t, h, due.ID)
	expired := createTestKey(t, h, "globex", entities.PurposeBackupEncryption)
	makeExpired(t, h, expired.ID)
	untouched := createScheduledKey(t, h, "acme", 30)

	report, err := h.rotation.CheckAndRotateExpiredKeys(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.TotalProcessed)
	assert.ElementsMatch(t, []string{due.ID, expired.ID}, report.RotatedKeys)
	assert.Empty(t, report.FailedKeys)

	for _, k := range []struct{ id, tenant string }{{due.ID, "acme"}, {expired.ID, "globex"}} {
		meta, err := h.kms.GetKeyMetadata(ctx, k.id, k.tenant)
		require.NoError(t, err)
		assert.Equal(t, entities.KeyStatusDeprecated, meta.Status)
	}
	meta, err := h.kms.GetKeyMetadata(ctx, untouched.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.KeyStatusActive, meta.Status)

	again, err := h.rotation.CheckAndRotateExpiredKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.TotalProcessed, "replacements are not immediately due")
}

func TestRotationManager_SweepIsolatesFailures(t *testing.T) {
	h := newKMSHarness(t)
	ctx := context.Background()

	good := createScheduledKey(t, h, "acme", 30)
	bad := createScheduledKey(t, h, "acme", 30)
	makeDue(t, h, good.ID)
	makeDue(t, h, bad.ID)
	require.NoError(t, h.db.Model(&models.EncryptionKey{}).
		Where("id = ?", bad.ID).
		Update("status", string(entities.KeyStatusDisabled)).Error)
	h.mr.FlushAll()

	report, err := h.rotation.CheckAndRotateExpiredKeys(ctx)
	require.Error(t, err)
	assert.Equal(t, err, report.Err)
	assert.Equal(t, []string{good.ID}, report.RotatedKeys)
	assert.Equal(t, []string{bad.ID}, report.FailedKeys)
	assert.Equal(t, 2, report.TotalProcessed)

	errorsRaised := h.alerts.GetAlertsBySeverity(entities.SeverityError)
	require.Len(t, errorsRaised, 1)
	assert.Equal(t, bad.ID, errorsRaised[0].Metadata["keyId"])
}

func TestRotationManager_OverlappingSweepIsSkipped(t *testing.T) {
	h := newKMSHarness(t)
	h.rotation.sweeping.Store(true)

	report, err := h.rotation.CheckAndRotateExpiredKeys(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	h.rotation.sweeping.Store(false)
	report, err = h.rotation.CheckAndRotateExpiredKeys(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestRotationManager_SweepNeedsARotator(t *testing.T) {
	h := newKMSHarness(t)
	m := NewKeyRotationManager(h.keys, h.schedules, h.cache, h.audit, h.alerts)

	_, err := m.CheckAndRotateExpiredKeys(context.Background())
	assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
}

func TestRotationManager_RotateKeyPreconditions(t *testing.T) {
	h := newKMSHarness(t)
	ctx := context.Background()

	_, err := h.rotation.RotateKey(ctx, "missing", "acme")
	assert.ErrorIs(t, err, domainerrors.ErrKeyNotFound)

	_, err = h.rotation.RotateKey(ctx, "k1", "bad tenant")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTenant)

	meta := createTestKey(t, h, "acme", entities.PurposeDataEncryption)
	key, err := h.rotation.RotateKey(ctx, meta.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.KeyStatusDeprecated, key.Status)
	assert.Nil(t, h.cache.GetCachedKey(ctx, meta.ID, "acme"))

	_, err = h.rotation.RotateKey(ctx, meta.ID, "acme")
	assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
}

type stubReEncryptor struct {
	results map[string]entities.ReEncryptionResult
	errs    map[string]error
	calls   []entities.DataReference
}

func (s *stubReEncryptor) ReEncrypt(_ context.Context, _, _, _ string, ref entities.DataReference) (entities.ReEncryptionResult, error) {
	s.calls = append(s.calls, ref)
	return s.results[ref.Table], s.errs[ref.Table]
}

func TestRotationManager_ReEncryptData(t *testing.T) {
	refs := []entities.DataReference{
		{Table: "documents", Column: "body", IDs: []string{"1", "2", "3"}},
		{Table: "users", Column: "ssn", IDs: []string{"7"}},
	}

	t.Run("no re-encryptor", func(t *testing.T) {
		h := newKMSHarness(t)
		res, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", refs)
		require.NoError(t, err)
		assert.Equal(t, entities.ReEncryptionResult{}, res)
		assert.Empty(t, h.auditEntries(t, "acme", entities.AuditKeyReEncrypted))
	})

	t.Run("required re-encryptor missing", func(t *testing.T) {
		h := newKMSHarness(t, WithRequiredReEncryptor(true))
		_, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", refs)
		assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
	})

	t.Run("all rows moved", func(t *testing.T) {
		stub := &stubReEncryptor{results: map[string]entities.ReEncryptionResult{
			"documents": {Total: 3},
			"users":     {Total: 1},
		}}
		h := newKMSHarness(t, WithReEncryptor(stub))
		res, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", refs)
		require.NoError(t, err)
		assert.Equal(t, entities.ReEncryptionResult{Total: 4, Succeeded: 4}, res)
		assert.Len(t, stub.calls, 2)

		entries := h.auditEntries(t, "acme", entities.AuditKeyReEncrypted)
		require.Len(t, entries, 1)
		assert.Equal(t, entities.AuditResultSuccess, entries[0].Result)
		assert.Empty(t, h.alerts.GetActiveAlerts())
	})

	t.Run("partial failure", func(t *testing.T) {
		stub := &stubReEncryptor{
			results: map[string]entities.ReEncryptionResult{
				"documents": {Total: 3, Succeeded: 2, Failed: 1},
				"users":     {Total: 1},
			},
			errs: map[string]error{"users": errors.New("row locked")},
		}
		h := newKMSHarness(t, WithReEncryptor(stub))
		res, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", refs)
		require.Error(t, err)
		assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
		assert.Contains(t, err.Error(), "Re-encryption partially failed: 2/4 records failed")
		assert.Equal(t, entities.ReEncryptionResult{Total: 4, Succeeded: 2, Failed: 2}, res)

		alerts := h.alerts.GetAlertsBySeverity(entities.SeverityError)
		require.Len(t, alerts, 1)
		assert.Equal(t, "Re-encryption Failed", alerts[0].Title)

		entries := h.auditEntries(t, "acme", entities.AuditKeyReEncrypted)
		require.Len(t, entries, 1)
		assert.Equal(t, entities.AuditResultFailure, entries[0].Result)
	})

	t.Run("strategy error without counts", func(t *testing.T) {
		stub := &stubReEncryptor{
			results: map[string]entities.ReEncryptionResult{"documents": {Total: 3}},
			errs:    map[string]error{"users": errors.New("row locked")},
		}
		h := newKMSHarness(t, WithReEncryptor(stub))
		res, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", refs)
		assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
		assert.Contains(t, err.Error(), "Re-encryption partially failed: 1/4 records failed")
		assert.Contains(t, err.Error(), "users.ssn: row locked")
		assert.Equal(t, entities.ReEncryptionResult{Total: 4, Succeeded: 3, Failed: 1}, res)

		entries := h.auditEntries(t, "acme", entities.AuditKeyReEncrypted)
		require.Len(t, entries, 1)
		assert.Equal(t, float64(1), entries[0].Metadata["failed"])
		assert.Equal(t, float64(4), entries[0].Metadata["total"])
	})

	t.Run("strategy error after moving some rows", func(t *testing.T) {
		wide := []entities.DataReference{{Table: "documents", Column: "body", IDs: []string{"1", "2", "3", "4"}}}
		stub := &stubReEncryptor{
			results: map[string]entities.ReEncryptionResult{"documents": {Total: 4, Succeeded: 3, Failed: 0}},
			errs:    map[string]error{"documents": errors.New("connection reset")},
		}
		h := newKMSHarness(t, WithReEncryptor(stub))
		res, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new", wide)
		assert.ErrorIs(t, err, domainerrors.ErrRotationFailed)
		assert.Equal(t, entities.ReEncryptionResult{Total: 4, Succeeded: 3, Failed: 1}, res)
	})

	t.Run("invalid reference", func(t *testing.T) {
		h := newKMSHarness(t, WithReEncryptor(&stubReEncryptor{}))
		_, err := h.rotation.ReEncryptData(context.Background(), "acme", "old", "new",
			[]entities.DataReference{{Table: "documents; drop table", Column: "body"}})
		assert.ErrorIs(t, err, domainerrors.ErrInvalidKeyInput)
	})
}

func TestRotationManager_AutoRotationSchedules(t *testing.T) {
	h := newKMSHarness(t)
	ctx := context.Background()

	meta := createTestKey(t, h, "acme", entities.PurposeDataEncryption)

	schedule, err := h.rotation.GetRotationSchedule(ctx, meta.ID, "acme")
	require.NoError(t, err)
	assert.Nil(t, schedule)

	schedule, err = h.rotation.EnableAutoRotation(ctx, meta.ID, "acme", 0)
	require.NoError(t, err)
	assert.True(t, schedule.Enabled)
	assert.Equal(t, DefaultRotationIntervalDays, schedule.IntervalDays)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, DefaultRotationIntervalDays), schedule.NextRotationAt, time.Minute)

	_, err = h.rotation.EnableAutoRotation(ctx, meta.ID, "acme", 400)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidKeyInput)

	_, err = h.rotation.EnableAutoRotation(ctx, "missing", "acme", 30)
	assert.ErrorIs(t, err, domainerrors.ErrKeyNotFound)

	listed, err := h.rotation.ListAutoRotationKeys(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, meta.ID, listed[0].KeyID)

	other, err := h.rotation.ListAutoRotationKeys(ctx, "globex")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, h.rotation.DisableAutoRotation(ctx, meta.ID, "acme"))
	require.NoError(t, h.rotation.DisableAutoRotation(ctx, meta.ID, "acme"))
	listed, err = h.rotation.ListAutoRotationKeys(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, listed)

	schedule, err = h.rotation.EnableAutoRotation(ctx, meta.ID, "acme", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRotationIntervalDays, schedule.IntervalDays, "re-enabling keeps the interval")
}

func TestRotationManager_Stats(t *testing.T) {
	h := newKMSHarness(t)
	ctx := context.Background()

	overdue := createScheduledKey(t, h, "acme", 30)
	makeDue(t, h, overdue.ID)
	upcoming := createScheduledKey(t, h, "acme", 30)
	_, err := h.rotation.ScheduleRotation(ctx, upcoming.ID, "acme", entities.RotationSchedule{
		Enabled:        true,
		IntervalDays:   30,
		NextRotationAt: time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	later := createScheduledKey(t, h, "globex", 90)
	require.NoError(t, h.rotation.DisableAutoRotation(ctx, later.ID, "globex"))

	stats, err := h.rotation.GetRotationStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.RotationStats{TotalScheduled: 2, ActiveSchedules: 2, UpcomingRotations: 1, OverdueRotations: 1}, *stats)

	all, err := h.rotation.GetRotationStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.TotalScheduled)
	assert.Equal(t, int64(2), all.ActiveSchedules)

	_, err = h.rotation.GetRotationStats(ctx, "bad tenant")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTenant)
}
