package entities

import (
	"time"

	"github.com/volatiletech/null/v8"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityError    AlertSeverity = "ERROR"
	SeverityCritical AlertSeverity = "CRITICAL"
)

var AlertSeverities = []AlertSeverity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}

func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

type Alert struct {
	ID         string         `json:"id"`
	Severity   AlertSeverity  `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt null.Time      `json:"resolvedAt"`
}

type AlertStatistics struct {
	Total      int                   `json:"total"`
	Active     int                   `json:"active"`
	Resolved   int                   `json:"resolved"`
	BySeverity map[AlertSeverity]int `json:"bySeverity"`
}
