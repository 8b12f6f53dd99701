package entities

import (
	"time"

	"github.com/volatiletech/null/v8"
)

type AuditEventType string

const (
	AuditKeyCreated         AuditEventType = "KEY_CREATED"
	AuditKeyAccessed        AuditEventType = "KEY_ACCESSED"
	AuditKeyRotated         AuditEventType = "KEY_ROTATED"
	AuditKeyStatusChanged   AuditEventType = "KEY_STATUS_CHANGED"
	AuditKeyDeleted         AuditEventType = "KEY_DELETED"
	AuditKeyCompromised     AuditEventType = "KEY_COMPROMISED"
	AuditKeyReEncrypted     AuditEventType = "KEY_RE_ENCRYPTED"
	AuditUnauthorizedAccess AuditEventType = "UNAUTHORIZED_ACCESS"
	AuditSecurityAlert      AuditEventType = "SECURITY_ALERT"
	AuditExported           AuditEventType = "AUDIT_EXPORTED"
)

type AuditResult string

const (
	AuditResultSuccess AuditResult = "SUCCESS"
	AuditResultFailure AuditResult = "FAILURE"
)

// AuditLogEntry is an append-only, HMAC-signed record of a key event.
type AuditLogEntry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     AuditEventType `json:"eventType"`
	KeyID         string         `json:"keyId"`
	TenantID      string         `json:"tenantId"`
	ServiceID     null.String    `json:"serviceId"`
	UserID        null.String    `json:"userId"`
	Action        string         `json:"action"`
	Result        AuditResult    `json:"result"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IPAddress     null.String    `json:"ipAddress"`
	HMACSignature string         `json:"hmacSignature"`
}

// AuditActor identifies who triggered an event. Every field is optional.
type AuditActor struct {
	ServiceID string
	UserID    string
	IPAddress string
}

// AuditFilters narrows audit queries. TenantID is required.
type AuditFilters struct {
	TenantID  string
	KeyID     string
	EventType AuditEventType
	ServiceID string
	UserID    string
	Result    AuditResult
	StartDate null.Time
	EndDate   null.Time
	Limit     int
	Offset    int
}

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)
