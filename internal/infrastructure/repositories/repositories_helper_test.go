package repositories

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	return db
}

func mustExec(t *testing.T, db *gorm.DB, q string, args ...interface{}) {
	t.Helper()
	require.NoError(t, db.Exec(q, args...).Error, "exec failed: query=%s", q)
}

func createEncryptionKeysTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE encryption_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		iv TEXT NOT NULL,
		auth_tag TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		expires_at DATETIME,
		last_used_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);`)
}

func createRotationSchedulesTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE rotation_schedules (
		key_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		interval_days INTEGER NOT NULL,
		next_rotation_at DATETIME NOT NULL,
		last_rotation_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);`)
}

func createKeyAuditLogsTable(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE key_audit_logs (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		key_id TEXT,
		tenant_id TEXT NOT NULL,
		service_id TEXT,
		user_id TEXT,
		action TEXT NOT NULL,
		result TEXT NOT NULL,
		metadata TEXT,
		ip_address TEXT,
		hmac_signature TEXT NOT NULL
	);`)
}

// newKMSTestDB returns a database with every KMS table created.
func newKMSTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := newTestDB(t)
	createEncryptionKeysTable(t, db)
	createRotationSchedulesTable(t, db)
	createKeyAuditLogsTable(t, db)
	return db
}
