package models

import "testing"

func TestTableNames(t *testing.T) {
	if got := (EncryptionKey{}).TableName(); got != "encryption_keys" {
		t.Fatalf("unexpected EncryptionKey table name: %s", got)
	}
	if got := (RotationSchedule{}).TableName(); got != "rotation_schedules" {
		t.Fatalf("unexpected RotationSchedule table name: %s", got)
	}
	if got := (KeyAuditLog{}).TableName(); got != "key_audit_logs" {
		t.Fatalf("unexpected KeyAuditLog table name: %s", got)
	}
}
