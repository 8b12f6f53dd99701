package usecases

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/infrastructure/cache"
	"kms-core.backend/internal/infrastructure/models"
	infrarepos "kms-core.backend/internal/infrastructure/repositories"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/redis"
)

var testAuditSecret = []byte("audit-secret-for-tests")

type kmsHarness struct {
	db        *gorm.DB
	mr        *miniredis.Miniredis
	cache     *cache.KeyCacheManager
	keys      *infrarepos.KeyRepositoryImpl
	schedules *infrarepos.RotationScheduleRepositoryImpl
	auditRepo *infrarepos.AuditLogRepositoryImpl
	audit     *AuditLogger
	alerts    *AlertManager
	rotation  *KeyRotationManager
	master    *MasterKeyManager
	metrics   *metrics.Collector
	kms       *KeyManagementService
	notifier  *recordingNotifier
}

func newTestGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.EncryptionKey{}, &models.RotationSchedule{}, &models.KeyAuditLog{}))
	return db
}

func newTestKeyCache(t *testing.T, opts ...cache.Option) (*cache.KeyCacheManager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable in this environment: %v", err)
	}
	t.Cleanup(mr.Close)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return cache.NewKeyCacheManager(redis.NewStore(cli), opts...), mr
}

func newKMSHarness(t *testing.T, opts ...RotationOption) *kmsHarness {
	t.Helper()
	h := &kmsHarness{db: newTestGormDB(t), metrics: metrics.New(), notifier: newRecordingNotifier()}

	var err error
	h.master, err = NewMasterKeyManager(testMasterKeyHex)
	require.NoError(t, err)
	wrap, err := h.master.DeriveSubKey(SubKeyCacheWrap)
	require.NoError(t, err)

	h.cache, h.mr = newTestKeyCache(t, cache.WithMetrics(h.metrics), cache.WithDecryptedKeyWrapping(wrap))
	h.keys = infrarepos.NewKeyRepository(h.db)
	h.schedules = infrarepos.NewRotationScheduleRepository(h.db)
	h.auditRepo = infrarepos.NewAuditLogRepository(h.db)
	h.audit = NewAuditLogger(h.auditRepo, testAuditSecret, h.metrics)
	h.alerts = NewAlertManager(WithNotifiers(h.notifier), WithNotificationRate(0, 0), WithAlertMetrics(h.metrics))

	opts = append([]RotationOption{WithRotationMetrics(h.metrics)}, opts...)
	h.rotation = NewKeyRotationManager(h.keys, h.schedules, h.cache, h.audit, h.alerts, opts...)
	h.kms = NewKeyManagementService(KMSDeps{
		Keys:       h.keys,
		Schedules:  h.schedules,
		Cache:      h.cache,
		Audit:      h.audit,
		Alerts:     h.alerts,
		Rotation:   h.rotation,
		MasterKey:  h.master,
		Metrics:    h.metrics,
		UnitOfWork: infrarepos.NewUnitOfWork(h.db),
	})
	return h
}

func (h *kmsHarness) auditEntries(t *testing.T, tenantID string, eventType entities.AuditEventType) []*entities.AuditLogEntry {
	t.Helper()
	entries, err := h.audit.QueryAuditLog(context.Background(), entities.AuditFilters{TenantID: tenantID, EventType: eventType})
	require.NoError(t, err)
	return entries
}

// setNow pins the package clock for the duration of the test.
func setNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*entities.Alert
	err    error
}

func newRecordingNotifier() *recordingNotifier { return &recordingNotifier{} }

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, a *entities.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) received() []*entities.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*entities.Alert(nil), n.alerts...)
}
