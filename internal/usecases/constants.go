package usecases

import "time"

var nowFunc = time.Now

// Audit retention defaults to seven years.
const DefaultAuditRetentionDays = 2555

const DefaultSuspiciousWindow = 60 * time.Minute

// Rotation
const DefaultRotationIntervalDays = 90
const overdueErrorThreshold = 10
const maxReportedKeyIDs = 10

// Health probe thresholds
const DefaultProbeTimeout = 5 * time.Second
const databaseDegradedAfter = 1000 * time.Millisecond
const cacheDegradedAfter = 500 * time.Millisecond

// Cached decrypted key material lives for five minutes.
const DefaultDecryptedKeyTTL = 300 * time.Second

// Sub-key labels derived from the master key.
const (
	SubKeyCacheWrap = "kms-cache-wrap-v1"
	SubKeyAuditHMAC = "kms-audit-hmac-v1"
)

// metadata keys written on rotated keys
const (
	metaRotatedFrom = "rotatedFrom"
	metaRotatedAt   = "rotatedAt"
)
