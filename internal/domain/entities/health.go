package entities

import "time"

type ComponentStatus string

const (
	ComponentHealthy   ComponentStatus = "healthy"
	ComponentDegraded  ComponentStatus = "degraded"
	ComponentUnhealthy ComponentStatus = "unhealthy"
)

const (
	ComponentMasterKey = "masterKey"
	ComponentDatabase  = "database"
	ComponentCache     = "cache"
	ComponentRotation  = "keyRotation"
)

type ComponentHealth struct {
	Status       ComponentStatus `json:"status"`
	Message      string          `json:"message,omitempty"`
	ResponseTime time.Duration   `json:"responseTime"`
	LastCheck    time.Time       `json:"lastCheck"`
}

// HealthStatus aggregates component probes. Healthy is true only when every component is healthy.
type HealthStatus struct {
	Healthy   bool                       `json:"healthy"`
	Timestamp time.Time                  `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
	Details   string                     `json:"details,omitempty"`
}

// CacheStats reports cache effectiveness. HitRate is a percentage rounded to two decimals.
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hitRate"`
	CachedKeys int     `json:"cachedKeys"`
}
