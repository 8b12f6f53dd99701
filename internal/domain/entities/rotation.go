package entities

import (
	"time"

	"github.com/volatiletech/null/v8"
)

// RotationSchedule drives automatic rotation of a single key. At most one per key.
type RotationSchedule struct {
	KeyID          string    `json:"keyId"`
	Enabled        bool      `json:"enabled"`
	IntervalDays   int       `json:"intervalDays"`
	NextRotationAt time.Time `json:"nextRotationAt"`
	LastRotationAt null.Time `json:"lastRotationAt"`
}

// Advance moves the schedule forward after a successful rotation at now.
func (s *RotationSchedule) Advance(now time.Time) {
	s.LastRotationAt = null.TimeFrom(now)
	s.NextRotationAt = now.AddDate(0, 0, s.IntervalDays)
}

// DueRotation is a schedule that is due along with the owning key's tenant.
type DueRotation struct {
	Schedule RotationSchedule
	TenantID string
}

// RotationReport summarises one sweep.
type RotationReport struct {
	RotatedKeys    []string      `json:"rotatedKeys"`
	FailedKeys     []string      `json:"failedKeys"`
	TotalProcessed int           `json:"totalProcessed"`
	Duration       time.Duration `json:"duration"`
	Skipped        bool          `json:"skipped,omitempty"`
	Err            error         `json:"-"`
}

// RotationStats summarises schedule state across tenants or for one tenant.
type RotationStats struct {
	TotalScheduled    int64 `json:"totalScheduled"`
	ActiveSchedules   int64 `json:"activeSchedules"`
	UpcomingRotations int64 `json:"upcomingRotations"`
	OverdueRotations  int64 `json:"overdueRotations"`
}

// ReEncryptionResult is the outcome of re-encrypting a batch of references.
type ReEncryptionResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
