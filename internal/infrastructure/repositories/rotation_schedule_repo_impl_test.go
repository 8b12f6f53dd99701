package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
)

func TestRotationScheduleRepository_UpsertAndGet(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewRotationScheduleRepository(db)
	ctx := context.Background()
	next := time.Now().Add(24 * time.Hour)

	none, err := repo.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "k1", Enabled: true, IntervalDays: 30, NextRotationAt: next}))
	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "k1", Enabled: false, IntervalDays: 90, NextRotationAt: next}))

	got, err := repo.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Enabled)
	assert.Equal(t, 90, got.IntervalDays)
	assert.False(t, got.LastRotationAt.Valid)
	assert.WithinDuration(t, next, got.NextRotationAt, time.Second)
}

func TestRotationScheduleRepository_FindDueJoinsTenant(t *testing.T) {
	db := newKMSTestDB(t)
	keys := NewKeyRepository(db)
	repo := NewRotationScheduleRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, keys.SaveKey(ctx, sampleKey("due", "acme", "documents", 1, entities.KeyStatusActive)))
	require.NoError(t, keys.SaveKey(ctx, sampleKey("later", "acme", "fields", 1, entities.KeyStatusActive)))
	require.NoError(t, keys.SaveKey(ctx, sampleKey("off", "globex", "documents", 1, entities.KeyStatusActive)))

	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "due", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "later", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(72 * time.Hour)}))
	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "off", Enabled: false, IntervalDays: 30, NextRotationAt: now.Add(-time.Hour)}))

	due, err := repo.FindDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Schedule.KeyID)
	assert.Equal(t, "acme", due[0].TenantID)

	stats, err := repo.Stats(ctx, "", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalScheduled)
	assert.Equal(t, int64(2), stats.ActiveSchedules)
	assert.Equal(t, int64(1), stats.UpcomingRotations)
	assert.Equal(t, int64(1), stats.OverdueRotations)

	globex, err := repo.Stats(ctx, "globex", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), globex.TotalScheduled)
	assert.Equal(t, int64(0), globex.ActiveSchedules)

	enabled, err := repo.ListEnabled(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "due", enabled[0].KeyID)
}

func TestRotationScheduleRepository_MarkRotatedAndToggle(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewRotationScheduleRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Upsert(ctx, &entities.RotationSchedule{
		KeyID: "k1", Enabled: true, IntervalDays: 7,
		NextRotationAt: now.Add(-time.Hour),
		LastRotationAt: null.TimeFrom(now.Add(-8 * 24 * time.Hour)),
	}))

	require.NoError(t, repo.MarkRotated(ctx, "k1", now, now.AddDate(0, 0, 7)))
	got, err := repo.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.WithinDuration(t, now.AddDate(0, 0, 7), got.NextRotationAt, time.Second)
	assert.WithinDuration(t, now, got.LastRotationAt.Time, time.Second)

	require.NoError(t, repo.SetEnabled(ctx, "k1", false))
	got, err = repo.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, repo.MarkRotated(ctx, "missing", now, now), domainerrors.ErrRotationFailed)
	assert.ErrorIs(t, repo.SetEnabled(ctx, "missing", true), domainerrors.ErrRotationFailed)
}

func TestRotationScheduleRepository_Errors(t *testing.T) {
	db := newTestDB(t)
	repo := NewRotationScheduleRepository(db)
	ctx := context.Background()

	assert.Error(t, repo.Upsert(ctx, &entities.RotationSchedule{KeyID: "k1"}))
	_, err := repo.GetByKeyID(ctx, "k1")
	assert.Error(t, err)
	_, err = repo.FindDue(ctx, time.Now())
	assert.Error(t, err)
	_, err = repo.Stats(ctx, "", time.Now())
	assert.Error(t, err)
	_, err = repo.ListEnabled(ctx, "acme")
	assert.Error(t, err)
}
