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
)

func auditEntry(id, tenant string, ev entities.AuditEventType, result entities.AuditResult, at time.Time) *entities.AuditLogEntry {
	return &entities.AuditLogEntry{
		ID:            id,
		Timestamp:     at,
		EventType:     ev,
		KeyID:         "k1",
		TenantID:      tenant,
		ServiceID:     null.StringFrom("docs-service"),
		Action:        "test",
		Result:        result,
		Metadata:      map[string]any{"n": 1},
		HMACSignature: "sig",
	}
}

func TestAuditLogRepository_CreateAndQuery(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewAuditLogRepository(db)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Create(ctx, auditEntry(fmt.Sprintf("a%d", i), "acme", entities.AuditKeyAccessed, entities.AuditResultSuccess, now.Add(time.Duration(-i)*time.Minute))))
	}
	require.NoError(t, repo.Create(ctx, auditEntry("b1", "acme", entities.AuditKeyCreated, entities.AuditResultFailure, now.Add(-2*time.Hour))))
	require.NoError(t, repo.Create(ctx, auditEntry("g1", "globex", entities.AuditKeyAccessed, entities.AuditResultSuccess, now)))

	all, err := repo.Query(ctx, entities.AuditFilters{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a0", all[0].ID)
	assert.Equal(t, "docs-service", all[0].ServiceID.String)
	assert.False(t, all[0].UserID.Valid)
	assert.EqualValues(t, 1, all[0].Metadata["n"])

	failures, err := repo.Query(ctx, entities.AuditFilters{TenantID: "acme", Result: entities.AuditResultFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "b1", failures[0].ID)

	recent, err := repo.Query(ctx, entities.AuditFilters{
		TenantID:  "acme",
		EventType: entities.AuditKeyAccessed,
		ServiceID: "docs-service",
		KeyID:     "k1",
		StartDate: null.TimeFrom(now.Add(-90 * time.Second)),
		EndDate:   null.TimeFrom(now.Add(time.Second)),
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	paged, err := repo.Query(ctx, entities.AuditFilters{TenantID: "acme", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "a1", paged[0].ID)
}

func TestAuditLogRepository_SuspiciousCountsAndCleanup(t *testing.T) {
	db := newKMSTestDB(t)
	repo := NewAuditLogRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, auditEntry("ok", "acme", entities.AuditKeyAccessed, entities.AuditResultSuccess, now)))
	require.NoError(t, repo.Create(ctx, auditEntry("fail", "acme", entities.AuditKeyAccessed, entities.AuditResultFailure, now.Add(-time.Minute))))
	require.NoError(t, repo.Create(ctx, auditEntry("unauth", "acme", entities.AuditUnauthorizedAccess, entities.AuditResultSuccess, now.Add(-2*time.Minute))))
	require.NoError(t, repo.Create(ctx, auditEntry("alert", "acme", entities.AuditSecurityAlert, entities.AuditResultSuccess, now.Add(-3*time.Minute))))
	require.NoError(t, repo.Create(ctx, auditEntry("old", "acme", entities.AuditKeyAccessed, entities.AuditResultFailure, now.Add(-10*24*time.Hour))))

	suspicious, err := repo.FindSuspicious(ctx, "acme", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, suspicious, 3)
	assert.Equal(t, "fail", suspicious[0].ID)

	counts, err := repo.CountByEventType(ctx, "acme", now.Add(-time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[entities.AuditKeyAccessed])
	assert.Equal(t, int64(1), counts[entities.AuditUnauthorizedAccess])

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
