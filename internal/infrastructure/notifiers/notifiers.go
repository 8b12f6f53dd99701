package notifiers

import (
	"kms-core.backend/internal/config"
	"kms-core.backend/internal/usecases"
)

// FromConfig builds the notifiers whose endpoints are configured.
func FromConfig(cfg config.AlertingConfig) []usecases.Notifier {
	if !cfg.Enabled {
		return nil
	}
	opts := DefaultClientOptions()
	var out []usecases.Notifier
	if cfg.SlackWebhookURL != "" {
		out = append(out, NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, opts))
	}
	if cfg.PagerDutyKey != "" {
		out = append(out, NewPagerDutyNotifier(cfg.PagerDutyEventsURL, cfg.PagerDutyKey, opts))
	}
	return out
}
