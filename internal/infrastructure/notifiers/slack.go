package notifiers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"kms-core.backend/internal/domain/entities"
)

var severityColors = map[entities.AlertSeverity]string{
	entities.SeverityInfo:     "#439FE0",
	entities.SeverityWarning:  "warning",
	entities.SeverityError:    "danger",
	entities.SeverityCritical: "danger",
}

type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *retryablehttp.Client
}

func NewSlackNotifier(webhookURL, channel string, opts ClientOptions) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, channel: channel, client: newClient(opts)}
}

func (n *SlackNotifier) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (n *SlackNotifier) Notify(ctx context.Context, alert *entities.Alert) error {
	if err := postJSON(ctx, n.client, n.webhookURL, n.message(alert)); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func (n *SlackNotifier) message(alert *entities.Alert) slackMessage {
	fields := []slackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Alert ID", Value: alert.ID, Short: true},
	}
	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(alert.Metadata[k]), Short: true})
	}

	return slackMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Attachments: []slackAttachment{{
			Color:  severityColors[alert.Severity],
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			Footer: "kms-core",
			Ts:     alert.Timestamp.Truncate(time.Second).Unix(),
		}},
	}
}
