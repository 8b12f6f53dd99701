package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/pkg/logger"
)

const auditRetentionEvery = 24 * time.Hour

type HealthProber interface {
	CheckHealth(ctx context.Context) *entities.HealthStatus
	IsCheckRecent(maxAge time.Duration) bool
}

type CacheStatsReader interface {
	GetCacheStats(ctx context.Context) entities.CacheStats
}

type RotationStatsReader interface {
	GetRotationStats(ctx context.Context, tenantID string) (*entities.RotationStats, error)
}

type MonitoringAlerter interface {
	OverdueAlerter
	HandlePerformanceIssue(ctx context.Context, metric string, value, threshold float64) *entities.Alert
	CleanupOldAlerts(maxAge time.Duration) int
}

type AuditRetainer interface {
	CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error)
}

type MonitoringConfig struct {
	HealthCheckMaxAge    time.Duration
	AlertRetention       time.Duration
	MinHitRatePercent    float64
	MinLookupsForHitRate int64
	AuditRetentionDays   int
}

// MonitoringCronJob refreshes health, watches cache effectiveness and the rotation
// backlog, and prunes old alerts. Audit retention runs at most once a day.
type MonitoringCronJob struct {
	health   HealthProber
	cache    CacheStatsReader
	rotation RotationStatsReader
	alerts   MonitoringAlerter
	audit    AuditRetainer
	cfg      MonitoringConfig
	now      func() time.Time

	mu            sync.Mutex
	lastRetention time.Time
}

func NewMonitoringCronJob(health HealthProber, cache CacheStatsReader, rotation RotationStatsReader, alerts MonitoringAlerter, audit AuditRetainer, cfg MonitoringConfig) *MonitoringCronJob {
	return &MonitoringCronJob{
		health:   health,
		cache:    cache,
		rotation: rotation,
		alerts:   alerts,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (j *MonitoringCronJob) Run(ctx context.Context) error {
	var merr *multierror.Error

	if !j.health.IsCheckRecent(j.cfg.HealthCheckMaxAge) {
		status := j.health.CheckHealth(ctx)
		logger.Debug(ctx, "Health check refreshed", zap.Bool("healthy", status.Healthy))
	}

	j.checkCache(ctx)

	stats, err := j.rotation.GetRotationStats(ctx, "")
	if err != nil {
		merr = multierror.Append(merr, fmt.Errorf("rotation stats: %w", err))
	} else if stats.OverdueRotations > 0 {
		j.alerts.HandleOverdueRotations(ctx, int(stats.OverdueRotations), nil)
	}

	if removed := j.alerts.CleanupOldAlerts(j.cfg.AlertRetention); removed > 0 {
		logger.Info(ctx, "Old alerts removed", zap.Int("count", removed))
	}

	if err := j.enforceAuditRetention(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// checkCache raises a performance issue on the miss rate once enough lookups were seen.
func (j *MonitoringCronJob) checkCache(ctx context.Context) {
	stats := j.cache.GetCacheStats(ctx)
	lookups := stats.Hits + stats.Misses
	if lookups < j.cfg.MinLookupsForHitRate || stats.HitRate >= j.cfg.MinHitRatePercent {
		return
	}
	j.alerts.HandlePerformanceIssue(ctx, "cache_miss_rate_percent", 100-stats.HitRate, 100-j.cfg.MinHitRatePercent)
}

func (j *MonitoringCronJob) enforceAuditRetention(ctx context.Context) error {
	if j.audit == nil || j.cfg.AuditRetentionDays <= 0 {
		return nil
	}
	j.mu.Lock()
	now := j.now()
	if !j.lastRetention.IsZero() && now.Sub(j.lastRetention) < auditRetentionEvery {
		j.mu.Unlock()
		return nil
	}
	j.lastRetention = now
	j.mu.Unlock()

	deleted, err := j.audit.CleanupOldLogs(ctx, j.cfg.AuditRetentionDays)
	if err != nil {
		return fmt.Errorf("audit retention: %w", err)
	}
	if deleted > 0 {
		logger.Info(ctx, "Expired audit entries removed",
			zap.Int64("count", deleted),
			zap.Int("retention_days", j.cfg.AuditRetentionDays),
		)
	}
	return nil
}
