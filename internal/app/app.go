package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"kms-core.backend/internal/config"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/infrastructure/cache"
	"kms-core.backend/internal/infrastructure/jobs"
	"kms-core.backend/internal/infrastructure/models"
	"kms-core.backend/internal/infrastructure/notifiers"
	"kms-core.backend/internal/infrastructure/repositories"
	"kms-core.backend/internal/usecases"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/redis"
)

const (
	JobRotation   = "key_rotation"
	JobMonitoring = "monitoring"
)

// Services is the wired KMS object graph shared by the server and the CLI.
type Services struct {
	Config    *config.Config
	Metrics   *metrics.Collector
	MasterKey *usecases.MasterKeyManager
	Cache     *cache.KeyCacheManager
	Audit     *usecases.AuditLogger
	Alerts    *usecases.AlertManager
	Rotation  *usecases.KeyRotationManager
	KMS       *usecases.KeyManagementService
	Health    *usecases.HealthChecker
}

// Migrate creates or updates the KMS tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.EncryptionKey{}, &models.RotationSchedule{}, &models.KeyAuditLog{})
}

// New validates the master key and builds every service. An insecure master key
// is a startup error.
func New(cfg *config.Config, db *gorm.DB, store redis.Cache, collector *metrics.Collector, extra ...usecases.Notifier) (*Services, error) {
	master, err := usecases.NewMasterKeyManager(cfg.KMS.MasterKeyHex)
	if err != nil {
		return nil, err
	}
	if !master.ValidateMasterKey() {
		return nil, domainerrors.MasterKeyError("master key is insecure (all zeros)", nil)
	}

	auditSecret := []byte(cfg.KMS.AuditHMACSecret)
	if len(auditSecret) == 0 {
		if auditSecret, err = master.DeriveSubKey(usecases.SubKeyAuditHMAC); err != nil {
			return nil, err
		}
	}

	cacheOpts := []cache.Option{cache.WithDefaultTTL(cfg.KMS.KeyCacheTTL), cache.WithMetrics(collector)}
	if cfg.KMS.WrapCachedKeys {
		wrap, err := master.DeriveSubKey(usecases.SubKeyCacheWrap)
		if err != nil {
			return nil, err
		}
		cacheOpts = append(cacheOpts, cache.WithDecryptedKeyWrapping(wrap))
	}
	keyCache := cache.NewKeyCacheManager(store, cacheOpts...)

	keyRepo := repositories.NewKeyRepository(db)
	scheduleRepo := repositories.NewRotationScheduleRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	uow := repositories.NewUnitOfWork(db)

	audit := usecases.NewAuditLogger(auditRepo, auditSecret, collector)
	alerts := usecases.NewAlertManager(
		usecases.WithNotifiers(append(notifiers.FromConfig(cfg.Alerting), extra...)...),
		usecases.WithNotificationRate(cfg.Alerting.NotificationsPerSecond, cfg.Alerting.NotificationBurst),
		usecases.WithAlertMetrics(collector),
	)
	rotation := usecases.NewKeyRotationManager(keyRepo, scheduleRepo, keyCache, audit, alerts,
		usecases.WithRotationMetrics(collector),
		usecases.WithRequiredReEncryptor(cfg.KMS.RequireReEncryptor),
	)
	kms := usecases.NewKeyManagementService(usecases.KMSDeps{
		Keys:       keyRepo,
		Schedules:  scheduleRepo,
		Cache:      keyCache,
		Audit:      audit,
		Alerts:     alerts,
		Rotation:   rotation,
		MasterKey:  master,
		Metrics:    collector,
		UnitOfWork: uow,
		Config: usecases.KMSConfig{
			DefaultAlgorithm: entities.Algorithm(cfg.KMS.DefaultAlgorithm),
			KeyCacheTTL:      cfg.KMS.KeyCacheTTL,
			DecryptedKeyTTL:  cfg.KMS.DecryptedKeyTTL,
		},
	})
	health := usecases.NewHealthChecker(master, keyRepo, keyCache, alerts, cfg.Monitoring.ProbeTimeout)

	logger.Info(context.Background(), "KMS services initialized",
		zap.String("default_algorithm", cfg.KMS.DefaultAlgorithm),
		zap.Bool("wrap_cached_keys", cfg.KMS.WrapCachedKeys),
	)

	return &Services{
		Config:    cfg,
		Metrics:   collector,
		MasterKey: master,
		Cache:     keyCache,
		Audit:     audit,
		Alerts:    alerts,
		Rotation:  rotation,
		KMS:       kms,
		Health:    health,
	}, nil
}

// RegisterJobs schedules the rotation sweep (when enabled) and the monitoring job.
func (s *Services) RegisterJobs(sched jobs.Scheduler) error {
	if s.Config.Rotation.Enabled {
		if err := sched.Register(JobRotation, s.Config.Rotation.Cron, s.RotationJob()); err != nil {
			return fmt.Errorf("register rotation job: %w", err)
		}
	}
	if err := sched.Register(JobMonitoring, s.Config.Monitoring.Cron, s.MonitoringJob()); err != nil {
		return fmt.Errorf("register monitoring job: %w", err)
	}
	return nil
}

func (s *Services) RotationJob() *jobs.RotationCronJob {
	return jobs.NewRotationCronJob(s.Rotation, s.Alerts)
}

func (s *Services) MonitoringJob() *jobs.MonitoringCronJob {
	return jobs.NewMonitoringCronJob(s.Health, s.KMS, s.Rotation, s.Alerts, s.Audit, jobs.MonitoringConfig{
		HealthCheckMaxAge:    s.Config.Monitoring.HealthCheckMaxAge,
		AlertRetention:       s.Config.Monitoring.AlertRetention,
		MinHitRatePercent:    s.Config.Monitoring.MinHitRatePercent,
		MinLookupsForHitRate: s.Config.Monitoring.MinLookupsForHitRate,
		AuditRetentionDays:   s.Config.KMS.AuditRetentionDays,
	})
}
