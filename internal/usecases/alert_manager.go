package usecases

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/utils"
)

// SecurityEventType is the closed set of security signals mapped to alert severities.
type SecurityEventType string

const (
	SecurityUnauthorizedAccess SecurityEventType = "unauthorized_access"
	SecurityKeyCompromised     SecurityEventType = "key_compromised"
	SecurityRateLimitExceeded  SecurityEventType = "rate_limit_exceeded"
	SecuritySuspiciousActivity SecurityEventType = "suspicious_activity"
	SecurityFailedLogin        SecurityEventType = "failed_login"
	SecurityDataExport         SecurityEventType = "data_export"
	SecurityKeyRotationFailed  SecurityEventType = "key_rotation_failed"
	SecurityKeyRotation        SecurityEventType = "key_rotation"
)

// Severity maps the event to an alert severity. Unknown events are INFO.
func (e SecurityEventType) Severity() entities.AlertSeverity {
	switch e {
	case SecurityUnauthorizedAccess, SecurityKeyCompromised:
		return entities.SeverityCritical
	case SecurityRateLimitExceeded, SecuritySuspiciousActivity, SecurityKeyRotationFailed:
		return entities.SeverityError
	case SecurityFailedLogin, SecurityDataExport:
		return entities.SeverityWarning
	default:
		return entities.SeverityInfo
	}
}

// Notifier delivers CRITICAL alerts to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *entities.Alert) error
}

type AlertHandler func(ctx context.Context, alert *entities.Alert)

const notifyTimeout = 15 * time.Second

// AlertManager keeps alerts in memory. The store does not survive a restart.
type AlertManager struct {
	mu       sync.RWMutex
	alerts   map[string]*entities.Alert
	handlers map[entities.AlertSeverity][]AlertHandler

	notifiers []Notifier
	limiter   *rate.Limiter
	metrics   *metrics.Collector
	inflight  sync.WaitGroup
}

type AlertOption func(*AlertManager)

func WithNotifiers(n ...Notifier) AlertOption {
	return func(m *AlertManager) { m.notifiers = append(m.notifiers, n...) }
}

// WithNotificationRate limits external notifications; perSecond <= 0 disables the limit.
func WithNotificationRate(perSecond float64, burst int) AlertOption {
	return func(m *AlertManager) {
		if perSecond <= 0 {
			m.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithAlertMetrics(c *metrics.Collector) AlertOption {
	return func(m *AlertManager) { m.metrics = c }
}

func NewAlertManager(opts ...AlertOption) *AlertManager {
	m := &AlertManager{
		alerts:   make(map[string]*entities.Alert),
		handlers: make(map[entities.AlertSeverity][]AlertHandler),
		limiter:  rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *AlertManager) RegisterHandler(severity entities.AlertSeverity, h AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[severity] = append(m.handlers[severity], h)
}

// CreateAlert stores the alert, logs it, runs severity handlers and, for
// CRITICAL alerts, fans out to the external notifiers.
func (m *AlertManager) CreateAlert(ctx context.Context, severity entities.AlertSeverity, title, message string, meta map[string]any) *entities.Alert {
	if !severity.Valid() {
		severity = entities.SeverityInfo
	}
	alert := &entities.Alert{
		ID:        utils.NewID(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: nowFunc().UTC(),
		Metadata:  meta,
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	handlers := append([]AlertHandler(nil), m.handlers[severity]...)
	m.mu.Unlock()

	logAlert(ctx, alert)
	m.publishGauge()

	for _, h := range handlers {
		m.runHandler(ctx, h, copyAlert(alert))
	}
	if severity == entities.SeverityCritical {
		m.notify(ctx, copyAlert(alert))
	}
	return copyAlert(alert)
}

func logAlert(ctx context.Context, a *entities.Alert) {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.Any("metadata", a.Metadata),
	}
	switch a.Severity {
	case entities.SeverityCritical, entities.SeverityError:
		logger.Error(ctx, a.Message, fields...)
	case entities.SeverityWarning:
		logger.Warn(ctx, a.Message, fields...)
	default:
		logger.Info(ctx, a.Message, fields...)
	}
}

func (m *AlertManager) runHandler(ctx context.Context, h AlertHandler, a *entities.Alert) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Alert handler panicked",
				zap.String("alert_id", a.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, a)
}

func (m *AlertManager) notify(ctx context.Context, a *entities.Alert) {
	base := context.WithoutCancel(ctx)
	for _, n := range m.notifiers {
		if !m.limiter.Allow() {
			logger.Warn(ctx, "Alert notification throttled",
				zap.String("alert_id", a.ID),
				zap.String("notifier", n.Name()),
			)
			continue
		}
		m.inflight.Add(1)
		go func(n Notifier) {
			defer m.inflight.Done()
			nctx, cancel := context.WithTimeout(base, notifyTimeout)
			defer cancel()
			if err := n.Notify(nctx, a); err != nil {
				logger.Error(nctx, "Alert notification failed",
					zap.String("alert_id", a.ID),
					zap.String("notifier", n.Name()),
					zap.Error(err),
				)
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications finish.
func (m *AlertManager) Wait() {
	m.inflight.Wait()
}

func (m *AlertManager) ResolveAlert(ctx context.Context, id string) bool {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if ok && !a.Resolved {
		a.Resolved = true
		a.ResolvedAt.SetValid(nowFunc().UTC())
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	logger.Info(ctx, "Alert resolved", zap.String("alert_id", id))
	m.publishGauge()
	return true
}

// GetActiveAlerts returns unresolved alerts, newest first.
func (m *AlertManager) GetActiveAlerts() []*entities.Alert {
	return m.collect(func(a *entities.Alert) bool { return !a.Resolved })
}

func (m *AlertManager) GetAlertsBySeverity(severity entities.AlertSeverity) []*entities.Alert {
	return m.collect(func(a *entities.Alert) bool { return a.Severity == severity })
}

func (m *AlertManager) collect(keep func(*entities.Alert) bool) []*entities.Alert {
	m.mu.RLock()
	out := make([]*entities.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, copyAlert(a))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// CleanupOldAlerts drops resolved alerts older than maxAge. Active alerts are kept regardless of age.
func (m *AlertManager) CleanupOldAlerts(maxAge time.Duration) int {
	cutoff := nowFunc().Add(-maxAge)
	m.mu.Lock()
	removed := 0
	for id, a := range m.alerts {
		if a.Resolved && a.Timestamp.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.publishGauge()
	}
	return removed
}

func (m *AlertManager) GetStatistics() entities.AlertStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := entities.AlertStatistics{
		Total:      len(m.alerts),
		BySeverity: make(map[entities.AlertSeverity]int, len(entities.AlertSeverities)),
	}
	for _, s := range entities.AlertSeverities {
		stats.BySeverity[s] = 0
	}
	for _, a := range m.alerts {
		if a.Resolved {
			stats.Resolved++
		} else {
			stats.Active++
		}
		stats.BySeverity[a.Severity]++
	}
	return stats
}

func (m *AlertManager) publishGauge() {
	if m.metrics == nil {
		return
	}
	active := make(map[string]int, len(entities.AlertSeverities))
	for _, s := range entities.AlertSeverities {
		active[string(s)] = 0
	}
	m.mu.RLock()
	for _, a := range m.alerts {
		if !a.Resolved {
			active[string(a.Severity)]++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetActiveAlerts(active)
}

func copyAlert(a *entities.Alert) *entities.Alert {
	c := *a
	return &c
}

func (m *AlertManager) HandleSecurityEvent(ctx context.Context, eventType SecurityEventType, details map[string]any) *entities.Alert {
	m.metrics.SecurityEvent(string(eventType))
	return m.CreateAlert(ctx, eventType.Severity(),
		"Security Event: "+string(eventType),
		fmt.Sprintf("Security event detected: %s", eventType),
		withField(details, "eventType", string(eventType)),
	)
}

func (m *AlertManager) HandleRotationError(ctx context.Context, keyID, tenantID string, cause error) *entities.Alert {
	msg := "Key rotation failed"
	if cause != nil {
		msg = fmt.Sprintf("Key rotation failed for %s: %v", keyID, cause)
	}
	return m.CreateAlert(ctx, entities.SeverityError, "Key Rotation Failed", msg, map[string]any{
		"keyId":    keyID,
		"tenantId": tenantID,
	})
}

// HandleOverdueRotations escalates to ERROR above ten overdue keys. Only the first
// ten key ids are attached.
func (m *AlertManager) HandleOverdueRotations(ctx context.Context, count int, keyIDs []string) *entities.Alert {
	if count <= 0 {
		return nil
	}
	severity := entities.SeverityWarning
	if count > overdueErrorThreshold {
		severity = entities.SeverityError
	}
	if len(keyIDs) > maxReportedKeyIDs {
		keyIDs = keyIDs[:maxReportedKeyIDs]
	}
	return m.CreateAlert(ctx, severity, "Overdue Key Rotations",
		fmt.Sprintf("%d keys are overdue for rotation", count),
		map[string]any{"count": count, "keyIds": keyIDs},
	)
}

func (m *AlertManager) HandleHealthCheckFailure(ctx context.Context, component, message string) *entities.Alert {
	return m.CreateAlert(ctx, entities.SeverityCritical, "Health Check Failed",
		fmt.Sprintf("Component %s is unhealthy: %s", component, message),
		map[string]any{"component": component},
	)
}

// HandlePerformanceIssue raises a WARNING, or ERROR when value reaches twice the threshold.
func (m *AlertManager) HandlePerformanceIssue(ctx context.Context, metric string, value, threshold float64) *entities.Alert {
	severity := entities.SeverityWarning
	if threshold > 0 && value >= 2*threshold {
		severity = entities.SeverityError
	}
	return m.CreateAlert(ctx, severity, "Performance Issue",
		fmt.Sprintf("%s is %.2f (threshold %.2f)", metric, value, threshold),
		map[string]any{"metric": metric, "value": value, "threshold": threshold},
	)
}
