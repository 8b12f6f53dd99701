package usecases

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/volatiletech/null/v8"
	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/internal/domain/repositories"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/utils"
)

const (
	actionCreateKey     = "create_key"
	actionGetKey        = "get_key"
	actionRotateKey     = "rotate_key"
	actionChangeStatus  = "change_status"
	actionDeleteKey     = "delete_key"
	actionSecurityEvent = "security_event"
	actionReEncrypt     = "re_encrypt"
	actionExportAudit   = "export_audit"
)

type actorKey struct{}

// WithActor attaches the caller identity recorded on audit entries.
func WithActor(ctx context.Context, actor entities.AuditActor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) entities.AuditActor {
	actor, _ := ctx.Value(actorKey{}).(entities.AuditActor)
	return actor
}

var csvHeader = []string{"timestamp", "eventType", "keyId", "tenantId", "action", "result", "serviceId", "userId"}

// AuditLogger writes HMAC-signed audit entries. Write failures are logged and
// counted but never returned to the caller.
type AuditLogger struct {
	repo    repositories.AuditLogRepository
	secret  []byte
	metrics *metrics.Collector
}

func NewAuditLogger(repo repositories.AuditLogRepository, secret []byte, collector *metrics.Collector) *AuditLogger {
	return &AuditLogger{repo: repo, secret: secret, metrics: collector}
}

// canonicalAuditEntry fixes the field order that is signed. Map keys in
// Metadata are sorted by encoding/json.
type canonicalAuditEntry struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType"`
	KeyID     string         `json:"keyId"`
	TenantID  string         `json:"tenantId"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	ServiceID string         `json:"serviceId"`
	UserID    string         `json:"userId"`
	IPAddress string         `json:"ipAddress"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func canonicalJSON(e *entities.AuditLogEntry) ([]byte, error) {
	c := canonicalAuditEntry{
		ID:        e.ID,
		EventType: string(e.EventType),
		KeyID:     e.KeyID,
		TenantID:  e.TenantID,
		Action:    e.Action,
		Result:    string(e.Result),
		ServiceID: e.ServiceID.String,
		UserID:    e.UserID.String,
		IPAddress: e.IPAddress.String,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		c.Metadata = e.Metadata
	}
	return json.Marshal(c)
}

func (a *AuditLogger) sign(e *entities.AuditLogEntry) (string, error) {
	payload, err := canonicalJSON(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyLogEntry recomputes the signature. A false result means the row was altered.
func (a *AuditLogger) VerifyLogEntry(entry *entities.AuditLogEntry) bool {
	if entry == nil {
		return false
	}
	expected, err := a.sign(entry)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(entry.HMACSignature))
}

func (a *AuditLogger) record(ctx context.Context, entry *entities.AuditLogEntry) {
	entry.ID = utils.NewID()
	// stored timestamps keep microseconds, so sign what will be read back
	entry.Timestamp = nowFunc().UTC().Truncate(time.Microsecond)

	sig, err := a.sign(entry)
	if err == nil {
		entry.HMACSignature = sig
		err = a.repo.Create(ctx, entry)
	}
	if err != nil {
		a.metrics.AuditWriteError()
		logger.Error(ctx, "Failed to write audit log",
			zap.String("event_type", string(entry.EventType)),
			zap.String("key_id", entry.KeyID),
			zap.String("tenant_id", entry.TenantID),
			zap.Error(err),
		)
	}
}

func newEntry(eventType entities.AuditEventType, keyID, tenantID, action string, result entities.AuditResult, actor entities.AuditActor, meta map[string]any) *entities.AuditLogEntry {
	return &entities.AuditLogEntry{
		EventType: eventType,
		KeyID:     keyID,
		TenantID:  tenantID,
		ServiceID: optString(actor.ServiceID),
		UserID:    optString(actor.UserID),
		IPAddress: optString(actor.IPAddress),
		Action:    action,
		Result:    result,
		Metadata:  meta,
	}
}

func optString(s string) null.String {
	return null.NewString(s, s != "")
}

func withField(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}

func (a *AuditLogger) LogKeyCreation(ctx context.Context, keyID, tenantID string, actor entities.AuditActor, result entities.AuditResult, meta map[string]any) {
	a.record(ctx, newEntry(entities.AuditKeyCreated, keyID, tenantID, actionCreateKey, result, actor, meta))
}

func (a *AuditLogger) LogKeyAccess(ctx context.Context, keyID, tenantID string, actor entities.AuditActor, result entities.AuditResult, meta map[string]any) {
	a.record(ctx, newEntry(entities.AuditKeyAccessed, keyID, tenantID, actionGetKey, result, actor, meta))
}

// LogKeyRotation is written against the old key id; the replacement goes in metadata.
func (a *AuditLogger) LogKeyRotation(ctx context.Context, oldKeyID, newKeyID, tenantID string, actor entities.AuditActor, result entities.AuditResult, meta map[string]any) {
	if newKeyID != "" {
		meta = withField(meta, "newKeyId", newKeyID)
	}
	a.record(ctx, newEntry(entities.AuditKeyRotated, oldKeyID, tenantID, actionRotateKey, result, actor, meta))
}

func (a *AuditLogger) LogKeyStatusChange(ctx context.Context, keyID, tenantID string, from, to entities.KeyStatus, actor entities.AuditActor) {
	meta := map[string]any{"oldStatus": string(from), "newStatus": string(to)}
	eventType := entities.AuditKeyStatusChanged
	if to == entities.KeyStatusCompromised {
		eventType = entities.AuditKeyCompromised
	}
	a.record(ctx, newEntry(eventType, keyID, tenantID, actionChangeStatus, entities.AuditResultSuccess, actor, meta))
}

func (a *AuditLogger) LogKeyDeletion(ctx context.Context, keyID, tenantID string, actor entities.AuditActor, meta map[string]any) {
	a.record(ctx, newEntry(entities.AuditKeyDeleted, keyID, tenantID, actionDeleteKey, entities.AuditResultSuccess, actor, meta))
}

// LogSecurityEvent records SECURITY_ALERT or UNAUTHORIZED_ACCESS entries. Unauthorized
// access is always written with a FAILURE result.
func (a *AuditLogger) LogSecurityEvent(ctx context.Context, eventType entities.AuditEventType, keyID, tenantID string, actor entities.AuditActor, meta map[string]any) {
	result := entities.AuditResultSuccess
	if eventType == entities.AuditUnauthorizedAccess {
		result = entities.AuditResultFailure
	}
	a.record(ctx, newEntry(eventType, keyID, tenantID, actionSecurityEvent, result, actor, meta))
}

func (a *AuditLogger) LogFailure(ctx context.Context, eventType entities.AuditEventType, keyID, tenantID, action string, actor entities.AuditActor, cause error, meta map[string]any) {
	if cause != nil {
		meta = withField(meta, "error", cause.Error())
		if code := domainerrors.CodeOf(cause); code != "" {
			meta["errorCode"] = string(code)
		}
	}
	a.record(ctx, newEntry(eventType, keyID, tenantID, action, entities.AuditResultFailure, actor, meta))
}

func (a *AuditLogger) LogReEncryption(ctx context.Context, oldKeyID, newKeyID, tenantID string, res entities.ReEncryptionResult, cause error) {
	meta := map[string]any{"newKeyId": newKeyID, "total": res.Total, "succeeded": res.Succeeded, "failed": res.Failed}
	result := entities.AuditResultSuccess
	if cause != nil {
		result = entities.AuditResultFailure
		meta["error"] = cause.Error()
	}
	a.record(ctx, newEntry(entities.AuditKeyReEncrypted, oldKeyID, tenantID, actionReEncrypt, result, entities.AuditActor{}, meta))
}

func (a *AuditLogger) LogExport(ctx context.Context, tenantID string, actor entities.AuditActor, format entities.ExportFormat, count int, signed bool) {
	meta := map[string]any{"format": string(format), "count": count, "signed": signed}
	a.record(ctx, newEntry(entities.AuditExported, "", tenantID, actionExportAudit, entities.AuditResultSuccess, actor, meta))
}

func (a *AuditLogger) QueryAuditLog(ctx context.Context, filters entities.AuditFilters) ([]*entities.AuditLogEntry, error) {
	if err := validateTenantID(filters.TenantID); err != nil {
		return nil, err
	}
	entries, err := a.repo.Query(ctx, filters)
	if err != nil {
		return nil, domainerrors.AuditLogError("failed to query audit log", err)
	}
	return entries, nil
}

// FindSuspiciousActivity returns failed operations plus explicit security events
// in the trailing window, newest first.
func (a *AuditLogger) FindSuspiciousActivity(ctx context.Context, tenantID string, window time.Duration) ([]*entities.AuditLogEntry, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultSuspiciousWindow
	}
	entries, err := a.repo.FindSuspicious(ctx, tenantID, nowFunc().Add(-window))
	if err != nil {
		return nil, domainerrors.AuditLogError("failed to find suspicious activity", err)
	}

	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func (a *AuditLogger) CountByEventType(ctx context.Context, tenantID string, start, end time.Time) (map[entities.AuditEventType]int64, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	counts, err := a.repo.CountByEventType(ctx, tenantID, start, end)
	if err != nil {
		return nil, domainerrors.AuditLogError("failed to count audit events", err)
	}
	return counts, nil
}

// CleanupOldLogs deletes entries older than retentionDays (default seven years).
func (a *AuditLogger) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultAuditRetentionDays
	}
	cutoff := nowFunc().AddDate(0, 0, -retentionDays)
	deleted, err := a.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, domainerrors.AuditLogError("failed to clean up audit logs", err)
	}
	logger.Info(ctx, "Audit log cleanup finished",
		zap.Int("retention_days", retentionDays),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

// ExportLogs renders the matching entries as JSON or CSV.
func (a *AuditLogger) ExportLogs(ctx context.Context, filters entities.AuditFilters, format entities.ExportFormat) ([]byte, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = utils.MaxLimit
	}
	entries, err := a.QueryAuditLog(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	switch format {
	case entities.ExportJSON, "":
		out, err := json.Marshal(entries)
		if err != nil {
			return nil, 0, domainerrors.AuditLogError("failed to encode audit export", err)
		}
		return out, len(entries), nil
	case entities.ExportCSV:
		out, err := encodeCSV(entries)
		if err != nil {
			return nil, 0, domainerrors.AuditLogError("failed to encode audit export", err)
		}
		return out, len(entries), nil
	default:
		return nil, 0, domainerrors.InvalidInput("unsupported export format: " + string(format))
	}
}

func encodeCSV(entries []*entities.AuditLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			e.KeyID,
			e.TenantID,
			e.Action,
			string(e.Result),
			e.ServiceID.String,
			e.UserID.String,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func contentTypeOf(format entities.ExportFormat) jose.ContentType {
	if format == entities.ExportCSV {
		return "text/csv"
	}
	return "application/json"
}

// ExportSignedLogs wraps an export in a compact HS256 JWS so a recipient holding
// the audit secret can prove the file was not edited after export.
func (a *AuditLogger) ExportSignedLogs(ctx context.Context, filters entities.AuditFilters, format entities.ExportFormat, actor entities.AuditActor) (string, error) {
	payload, count, err := a.ExportLogs(ctx, filters, format)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.secret},
		(&jose.SignerOptions{}).WithContentType(contentTypeOf(format)).WithType("kms-audit-export"),
	)
	if err != nil {
		return "", domainerrors.AuditLogError("failed to create export signer", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", domainerrors.AuditLogError("failed to sign audit export", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return "", domainerrors.AuditLogError("failed to serialize audit export", err)
	}

	a.LogExport(ctx, filters.TenantID, actor, format, count, true)
	return token, nil
}

// VerifySignedExport checks the JWS produced by ExportSignedLogs and returns its payload.
func (a *AuditLogger) VerifySignedExport(token string) ([]byte, error) {
	obj, err := jose.ParseSigned(token)
	if err != nil {
		return nil, domainerrors.AuditLogError("malformed signed export", err)
	}
	if len(obj.Signatures) != 1 || obj.Signatures[0].Header.Algorithm != string(jose.HS256) {
		return nil, domainerrors.AuditLogError("unexpected export signature algorithm", nil)
	}
	payload, err := obj.Verify(a.secret)
	if err != nil {
		return nil, domainerrors.AuditLogError("export signature mismatch", err)
	}
	return payload, nil
}

// VerifyTenantLog walks every entry matching filters and counts the ones whose
// signature no longer verifies.
func (a *AuditLogger) VerifyTenantLog(ctx context.Context, filters entities.AuditFilters) (checked, tampered int, err error) {
	page := utils.GetPaginationParams(utils.MaxLimit, filters.Offset)
	filters.Limit = page.Limit
	filters.Offset = page.Offset
	for {
		batch, qerr := a.QueryAuditLog(ctx, filters)
		if qerr != nil {
			return checked, tampered, qerr
		}
		for _, e := range batch {
			checked++
			if !a.VerifyLogEntry(e) {
				tampered++
				logger.Warn(ctx, "Audit entry failed verification",
					zap.String("audit_id", e.ID),
					zap.String("tenant_id", e.TenantID),
				)
			}
		}
		if len(batch) < filters.Limit {
			return checked, tampered, nil
		}
		filters.Offset += len(batch)
	}
}
