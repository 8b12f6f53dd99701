package entities

import (
	"regexp"
	"time"

	"github.com/volatiletech/null/v8"
)

// KeyPurpose names the category of data a key protects. Callers may use their own
// purposes as long as they are short lowercase identifiers.
type KeyPurpose string

var purposePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

const (
	PurposeDataEncryption     KeyPurpose = "data_encryption"
	PurposeDocumentEncryption KeyPurpose = "document_encryption"
	PurposeFieldEncryption    KeyPurpose = "field_encryption"
	PurposeBackupEncryption   KeyPurpose = "backup_encryption"
)

func (p KeyPurpose) Valid() bool {
	return purposePattern.MatchString(string(p))
}

// KeyStatus is the lifecycle state of a key.
type KeyStatus string

const (
	KeyStatusActive      KeyStatus = "ACTIVE"
	KeyStatusDeprecated  KeyStatus = "DEPRECATED"
	KeyStatusCompromised KeyStatus = "COMPROMISED"
	KeyStatusDisabled    KeyStatus = "DISABLED"
)

var KeyStatuses = []KeyStatus{KeyStatusActive, KeyStatusDeprecated, KeyStatusCompromised, KeyStatusDisabled}

func (s KeyStatus) Valid() bool {
	switch s {
	case KeyStatusActive, KeyStatusDeprecated, KeyStatusCompromised, KeyStatusDisabled:
		return true
	}
	return false
}

// Readable reports whether plaintext material may still be released for decryption.
func (s KeyStatus) Readable() bool {
	return s == KeyStatusActive || s == KeyStatusDeprecated
}

// Rotatable reports whether the key may be rotated. Only ACTIVE keys rotate.
func (s KeyStatus) Rotatable() bool {
	return s == KeyStatusActive
}

// Algorithm names the AEAD used to wrap a key under the master key.
type Algorithm string

const (
	AlgorithmAES256GCM         Algorithm = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

func (a Algorithm) Valid() bool {
	return a == AlgorithmAES256GCM || a == AlgorithmXChaCha20Poly1305
}

// EncryptionKey is a tenant-scoped data encryption key as persisted.
// EncryptedKey, IV and AuthTag are hex; the plaintext is never part of this struct.
type EncryptionKey struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	Purpose          KeyPurpose        `json:"purpose"`
	Algorithm        Algorithm         `json:"algorithm"`
	EncryptedKey     string            `json:"encryptedKey"`
	IV               string            `json:"iv"`
	AuthTag          string            `json:"authTag"`
	Version          int               `json:"version"`
	Status           KeyStatus         `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ExpiresAt        null.Time         `json:"expiresAt"`
	LastUsedAt       null.Time         `json:"lastUsedAt"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	RotationSchedule *RotationSchedule `json:"rotationSchedule,omitempty"`
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *EncryptionKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt.Valid && !k.ExpiresAt.Time.After(now)
}

// ToMetadata strips the envelope fields.
func (k *EncryptionKey) ToMetadata() *KeyMetadata {
	if k == nil {
		return nil
	}
	return &KeyMetadata{
		ID:               k.ID,
		TenantID:         k.TenantID,
		Purpose:          k.Purpose,
		Algorithm:        k.Algorithm,
		Version:          k.Version,
		Status:           k.Status,
		CreatedAt:        k.CreatedAt,
		UpdatedAt:        k.UpdatedAt,
		ExpiresAt:        k.ExpiresAt,
		LastUsedAt:       k.LastUsedAt,
		Metadata:         k.Metadata,
		RotationSchedule: k.RotationSchedule,
	}
}

// KeyMetadata is what callers see of a key.
type KeyMetadata struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenantId"`
	Purpose          KeyPurpose        `json:"purpose"`
	Algorithm        Algorithm         `json:"algorithm"`
	Version          int               `json:"version"`
	Status           KeyStatus         `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ExpiresAt        null.Time         `json:"expiresAt"`
	LastUsedAt       null.Time         `json:"lastUsedAt"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	RotationSchedule *RotationSchedule `json:"rotationSchedule,omitempty"`
}

// CreateKeyOptions are the inputs to key creation.
type CreateKeyOptions struct {
	TenantID             string         `json:"tenantId"`
	Purpose              KeyPurpose     `json:"purpose" binding:"required"`
	Algorithm            Algorithm      `json:"algorithm"`
	ExpiresAt            null.Time      `json:"expiresAt"`
	AutoRotate           bool           `json:"autoRotate"`
	RotationIntervalDays int            `json:"rotationIntervalDays"`
	Metadata             map[string]any `json:"metadata"`
}

// KeyFilters narrows ListKeys.
type KeyFilters struct {
	Status        KeyStatus
	Purpose       KeyPurpose
	ExpiresAfter  null.Time
	ExpiresBefore null.Time
	Limit         int
	Offset        int
}

// DataReference points at rows whose ciphertext was produced under a given key.
type DataReference struct {
	Table  string   `json:"table"`
	Column string   `json:"column"`
	IDs    []string `json:"ids"`
}
