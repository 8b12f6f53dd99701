package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
)

func sampleKey(id, tenant string, purpose entities.KeyPurpose, version int, status entities.KeyStatus) *entities.EncryptionKey {
	return &entities.EncryptionKey{
		ID:           id,
		TenantID:     tenant,
		Purpose:      purpose,
		Algorithm:    entities.AlgorithmAES256GCM,
		EncryptedKey: "deadbeef",
		IV:           "00112233445566778899aabb",
		AuthTag:      "00112233445566778899aabbccddeeff",
		Version:      version,
		Status:       status,
		Metadata:     map[string]any{"owner": "docs-service"},
	}
}

func TestKeyRepository_SaveAndGetIsTenantScoped(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()

	key := sampleKey("k1", "acme", entities.PurposeDocumentEncryption, 1, entities.KeyStatusActive)
	require.NoError(t, repo.SaveKey(ctx, key))
	assert.False(t, key.CreatedAt.IsZero())

	got, err := repo.GetKey(ctx, "k1", "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entities.KeyStatusActive, got.Status)
	assert.Equal(t, "docs-service", got.Metadata["owner"])
	assert.False(t, got.ExpiresAt.Valid)

	other, err := repo.GetKey(ctx, "k1", "globex")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestKeyRepository_SaveDuplicateFails(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveKey(ctx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive)))
	err := repo.SaveKey(ctx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive))
	assert.Equal(t, domainerrors.CodeEncryptionFailed, domainerrors.CodeOf(err))
}

func TestKeyRepository_GetLatestKeyForPurpose(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveKey(ctx, sampleKey("v1", "acme", "documents", 1, entities.KeyStatusDeprecated)))
	require.NoError(t, repo.SaveKey(ctx, sampleKey("v2", "acme", "documents", 2, entities.KeyStatusActive)))
	require.NoError(t, repo.SaveKey(ctx, sampleKey("v3", "acme", "documents", 3, entities.KeyStatusCompromised)))
	require.NoError(t, repo.SaveKey(ctx, sampleKey("g1", "globex", "documents", 9, entities.KeyStatusActive)))

	latest, err := repo.GetLatestKeyForPurpose(ctx, "acme", "documents")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v2", latest.ID)

	none, err := repo.GetLatestKeyForPurpose(ctx, "acme", "backups")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestKeyRepository_UpdateStatusAndMetadata(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.SaveKey(ctx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive)))

	require.NoError(t, repo.UpdateKeyStatus(ctx, "k1", "acme", entities.KeyStatusDeprecated))
	err := repo.UpdateKeyStatus(ctx, "k1", "globex", entities.KeyStatusCompromised)
	assert.ErrorIs(t, err, domainerrors.ErrKeyNotFound)

	expires := time.Now().Add(48 * time.Hour)
	require.NoError(t, repo.UpdateKeyMetadata(ctx, "k1", "acme", &expires, map[string]any{"rotatedTo": "k2"}))
	assert.ErrorIs(t, repo.UpdateKeyMetadata(ctx, "missing", "acme", nil, nil), domainerrors.ErrKeyNotFound)

	require.NoError(t, repo.UpdateLastUsed(ctx, "k1", "acme"))

	got, err := repo.GetKey(ctx, "k1", "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.KeyStatusDeprecated, got.Status)
	assert.Equal(t, "k2", got.Metadata["rotatedTo"])
	assert.True(t, got.ExpiresAt.Valid)
	assert.WithinDuration(t, expires, got.ExpiresAt.Time, time.Second)
	assert.True(t, got.LastUsedAt.Valid)
}

func TestKeyRepository_UpdateLastUsedSwallowsErrors(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db)
	assert.NoError(t, repo.UpdateLastUsed(context.Background(), "k1", "acme"))
}

func TestKeyRepository_ListKeysWithFilters(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		k := sampleKey(fmt.Sprintf("k%d", i), "acme", "documents", 1, entities.KeyStatusActive)
		k.ExpiresAt = null.TimeFrom(now.Add(time.Duration(i+1) * 24 * time.Hour))
		require.NoError(t, repo.SaveKey(ctx, k))
	}
	require.NoError(t, repo.SaveKey(ctx, sampleKey("f1", "acme", "fields", 1, entities.KeyStatusDisabled)))
	require.NoError(t, repo.SaveKey(ctx, sampleKey("g1", "globex", "documents", 1, entities.KeyStatusActive)))

	all, total, err := repo.ListKeys(ctx, "acme", entities.KeyFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, int64(6), total)

	docs, _, err := repo.ListKeys(ctx, "acme", entities.KeyFilters{Purpose: "documents", Status: entities.KeyStatusActive})
	require.NoError(t, err)
	assert.Len(t, docs, 5)

	window, total, err := repo.ListKeys(ctx, "acme", entities.KeyFilters{
		ExpiresAfter:  null.TimeFrom(now.Add(36 * time.Hour)),
		ExpiresBefore: null.TimeFrom(now.Add(84 * time.Hour)),
	})
	require.NoError(t, err)
	assert.Len(t, window, 2)
	assert.Equal(t, int64(2), total)

	paged, total, err := repo.ListKeys(ctx, "acme", entities.KeyFilters{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
	assert.Equal(t, int64(6), total)
}

func TestKeyRepository_DeleteKeyRemovesSchedule(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	schedules := NewRotationScheduleRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveKey(ctx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive)))
	require.NoError(t, schedules.Upsert(ctx, &entities.RotationSchedule{KeyID: "k1", Enabled: true, IntervalDays: 30, NextRotationAt: time.Now().Add(time.Hour)}))

	assert.ErrorIs(t, repo.DeleteKey(ctx, "k1", "globex"), domainerrors.ErrKeyNotFound)
	require.NoError(t, repo.DeleteKey(ctx, "k1", "acme"))

	got, err := repo.GetKey(ctx, "k1", "acme")
	require.NoError(t, err)
	assert.Nil(t, got)
	sched, err := schedules.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, sched)
}

func TestKeyRepository_CountsAndExpiry(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()

	expired := sampleKey("e1", "acme", "documents", 1, entities.KeyStatusActive)
	expired.ExpiresAt = null.TimeFrom(time.Now().Add(-48 * time.Hour))
	require.NoError(t, repo.SaveKey(ctx, expired))

	expiredOther := sampleKey("e2", "globex", "documents", 1, entities.KeyStatusActive)
	expiredOther.ExpiresAt = null.TimeFrom(time.Now().Add(-24 * time.Hour))
	require.NoError(t, repo.SaveKey(ctx, expiredOther))

	expiredDeprecated := sampleKey("e3", "acme", "documents", 1, entities.KeyStatusDeprecated)
	expiredDeprecated.ExpiresAt = null.TimeFrom(time.Now().Add(-24 * time.Hour))
	require.NoError(t, repo.SaveKey(ctx, expiredDeprecated))

	require.NoError(t, repo.SaveKey(ctx, sampleKey("a1", "acme", "fields", 1, entities.KeyStatusActive)))

	acmeExpired, err := repo.FindExpiredKeys(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acmeExpired, 1)
	assert.Equal(t, "e1", acmeExpired[0].ID)

	allExpired, err := repo.FindExpiredKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, allExpired, 2)

	n, err := repo.CountExpiredActive(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := repo.CountKeysByStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[entities.KeyStatusActive])
	assert.Equal(t, int64(1), counts[entities.KeyStatusDeprecated])
	assert.Equal(t, int64(0), counts[entities.KeyStatusCompromised])
	assert.Len(t, counts, len(entities.KeyStatuses))

	total, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.NoError(t, repo.Ping(ctx))
}

func TestKeyRepository_ErrorsCarryCodes(t *testing.T) {
	db := newTestDB(t)
	repo := NewKeyRepository(db)
	ctx := context.Background()

	_, err := repo.GetKey(ctx, "k1", "acme")
	assert.Equal(t, domainerrors.CodeKeyNotFound, domainerrors.CodeOf(err))

	_, _, err = repo.ListKeys(ctx, "acme", entities.KeyFilters{})
	assert.Error(t, err)

	_, err = repo.CountKeysByStatus(ctx, "acme")
	assert.Error(t, err)

	_, err = repo.FindExpiredKeys(ctx, "")
	assert.Error(t, err)

	err = repo.SaveKey(ctx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive))
	var kmsErr *domainerrors.KeyManagementError
	require.ErrorAs(t, err, &kmsErr)
	assert.Equal(t, "k1", kmsErr.KeyID)
	assert.Equal(t, "acme", kmsErr.TenantID)
}

func TestUnitOfWork_RollbackAndNesting(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewKeyRepository(db)
	uow := NewUnitOfWork(db)
	ctx := context.Background()

	err := uow.Do(ctx, func(txCtx context.Context) error {
		require.NoError(t, repo.SaveKey(txCtx, sampleKey("k1", "acme", "documents", 1, entities.KeyStatusActive)))
		return fmt.Errorf("abort")
	})
	require.Error(t, err)
	got, err := repo.GetKey(ctx, "k1", "acme")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = uow.Do(ctx, func(txCtx context.Context) error {
		return uow.Do(txCtx, func(inner context.Context) error {
			return repo.SaveKey(inner, sampleKey("k2", "acme", "documents", 1, entities.KeyStatusActive))
		})
	})
	require.NoError(t, err)
	got, err = repo.GetKey(ctx, "k2", "acme")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
