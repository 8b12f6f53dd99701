package models

import (
	"time"
)

type EncryptionKey struct {
	ID           string     `gorm:"type:varchar(128);primaryKey"`
	TenantID     string     `gorm:"type:varchar(64);not null;index:idx_encryption_keys_tenant_purpose,priority:1"`
	Purpose      string     `gorm:"type:varchar(64);not null;index:idx_encryption_keys_tenant_purpose,priority:2"`
	Algorithm    string     `gorm:"type:varchar(32);not null"`
	EncryptedKey string     `gorm:"type:text;not null"`
	IV           string     `gorm:"column:iv;type:varchar(64);not null"`
	AuthTag      string     `gorm:"type:varchar(64);not null"`
	Version      int        `gorm:"not null;default:1"`
	Status       string     `gorm:"type:varchar(20);not null;index"`
	Metadata     string     `gorm:"type:text;not null;default:'{}'"` // JSON object
	ExpiresAt    *time.Time `gorm:"index"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (EncryptionKey) TableName() string {
	return "encryption_keys"
}

type RotationSchedule struct {
	KeyID          string    `gorm:"type:varchar(128);primaryKey"`
	Enabled        bool      `gorm:"not null;default:true"`
	IntervalDays   int       `gorm:"not null"`
	NextRotationAt time.Time `gorm:"not null;index"`
	LastRotationAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RotationSchedule) TableName() string {
	return "rotation_schedules"
}
