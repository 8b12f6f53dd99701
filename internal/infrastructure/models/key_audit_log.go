package models

import (
	"time"
)

// KeyAuditLog rows are written once and never updated.
type KeyAuditLog struct {
	ID            string    `gorm:"type:varchar(64);primaryKey"`
	Timestamp     time.Time `gorm:"not null;index"`
	EventType     string    `gorm:"type:varchar(32);not null;index"`
	KeyID         string    `gorm:"type:varchar(128);index"`
	TenantID      string    `gorm:"type:varchar(64);not null;index"`
	ServiceID     *string   `gorm:"type:varchar(128)"`
	UserID        *string   `gorm:"type:varchar(128)"`
	Action        string    `gorm:"type:varchar(128);not null"`
	Result        string    `gorm:"type:varchar(16);not null"`
	Metadata      string    `gorm:"type:text"`
	IPAddress     *string   `gorm:"type:varchar(64)"`
	HMACSignature string    `gorm:"column:hmac_signature;type:varchar(64);not null"`
}

func (KeyAuditLog) TableName() string {
	return "key_audit_logs"
}
