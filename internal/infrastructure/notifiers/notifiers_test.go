package notifiers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kms-core.backend/internal/config"
	"kms-core.backend/internal/domain/entities"
)

func testOptions() ClientOptions {
	return ClientOptions{RetryMax: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond, Timeout: time.Second}
}

func criticalAlert() *entities.Alert {
	return &entities.Alert{
		ID:        "alert-1",
		Severity:  entities.SeverityCritical,
		Title:     "Security Event: KEY_COMPROMISED",
		Message:   "key k1 marked compromised",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]any{"keyId": "k1", "tenantId": "acme", "component": "keyManagement"},
	}
}

func TestSlackNotifier_Notify(t *testing.T) {
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "#security-alerts", testOptions())
	require.Equal(t, "slack", n.Name())
	require.NoError(t, n.Notify(context.Background(), criticalAlert()))

	assert.Equal(t, "#security-alerts", got.Channel)
	assert.Equal(t, "[CRITICAL] Security Event: KEY_COMPROMISED", got.Text)
	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "key k1 marked compromised", att.Text)
	assert.Equal(t, int64(1772366400), att.Ts)

	titles := make([]string, 0, len(att.Fields))
	for _, f := range att.Fields {
		titles = append(titles, f.Title)
	}
	assert.Equal(t, []string{"Severity", "Alert ID", "component", "keyId", "tenantId"}, titles)
}

func TestSlackNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "", testOptions())
	require.NoError(t, n.Notify(context.Background(), criticalAlert()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSlackNotifier_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "", testOptions())
	err := n.Notify(context.Background(), criticalAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 403: invalid_token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPagerDutyNotifier_Notify(t *testing.T) {
	var got pagerDutyEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewPagerDutyNotifier(srv.URL, "routing-key", testOptions())
	require.Equal(t, "pagerduty", n.Name())
	require.NoError(t, n.Notify(context.Background(), criticalAlert()))

	assert.Equal(t, "routing-key", got.RoutingKey)
	assert.Equal(t, "trigger", got.EventAction)
	assert.Equal(t, "alert-1", got.DedupKey)
	assert.Equal(t, "critical", got.Payload.Severity)
	assert.Equal(t, "kms-core", got.Payload.Source)
	assert.Equal(t, "keyManagement", got.Payload.Component)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.Payload.Timestamp)
	assert.Equal(t, "k1", got.Payload.CustomDetails["keyId"])
	assert.Equal(t, "key k1 marked compromised", got.Payload.CustomDetails["message"])
}

func TestPagerDutyNotifier_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewPagerDutyNotifier(srv.URL, "routing-key", testOptions())
	err := n.Notify(context.Background(), criticalAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pagerduty event")
	assert.Equal(t, int32(3), calls.Load())
}

func TestPagerDutySeverity(t *testing.T) {
	assert.Equal(t, "critical", pagerDutySeverity(entities.SeverityCritical))
	assert.Equal(t, "error", pagerDutySeverity(entities.SeverityError))
	assert.Equal(t, "warning", pagerDutySeverity(entities.SeverityWarning))
	assert.Equal(t, "info", pagerDutySeverity(entities.SeverityInfo))
}

func TestFromConfig(t *testing.T) {
	assert.Empty(t, FromConfig(config.AlertingConfig{Enabled: false, SlackWebhookURL: "http://x"}))
	assert.Empty(t, FromConfig(config.AlertingConfig{Enabled: true}))

	got := FromConfig(config.AlertingConfig{
		Enabled:            true,
		SlackWebhookURL:    "http://slack",
		PagerDutyKey:       "key",
		PagerDutyEventsURL: "http://pd",
	})
	require.Len(t, got, 2)
	assert.Equal(t, "slack", got[0].Name())
	assert.Equal(t, "pagerduty", got[1].Name())
}
