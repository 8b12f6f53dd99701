package notifiers

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"kms-core.backend/internal/domain/entities"
)

const pagerDutySource = "kms-core"

// PagerDutyNotifier triggers incidents through the Events API v2.
// The alert ID is the dedup key, so retried deliveries collapse into one incident.
type PagerDutyNotifier struct {
	eventsURL      string
	integrationKey string
	client         *retryablehttp.Client
}

func NewPagerDutyNotifier(eventsURL, integrationKey string, opts ClientOptions) *PagerDutyNotifier {
	return &PagerDutyNotifier{eventsURL: eventsURL, integrationKey: integrationKey, client: newClient(opts)}
}

func (n *PagerDutyNotifier) Name() string { return "pagerduty" }

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	Component     string         `json:"component,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

func pagerDutySeverity(s entities.AlertSeverity) string {
	switch s {
	case entities.SeverityCritical:
		return "critical"
	case entities.SeverityError:
		return "error"
	case entities.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (n *PagerDutyNotifier) Notify(ctx context.Context, alert *entities.Alert) error {
	details := map[string]any{"message": alert.Message}
	for k, v := range alert.Metadata {
		details[k] = v
	}
	component, _ := alert.Metadata["component"].(string)

	event := pagerDutyEvent{
		RoutingKey:  n.integrationKey,
		EventAction: "trigger",
		DedupKey:    alert.ID,
		Payload: pagerDutyPayload{
			Summary:       alert.Title,
			Source:        pagerDutySource,
			Severity:      pagerDutySeverity(alert.Severity),
			Timestamp:     alert.Timestamp.UTC().Format(time.RFC3339),
			Component:     component,
			CustomDetails: details,
		},
	}
	if err := postJSON(ctx, n.client, n.eventsURL, event); err != nil {
		return fmt.Errorf("pagerduty event: %w", err)
	}
	return nil
}
