package escalate

import "fmt"

// Config holds the worker's escalation configuration, read from
// ESCALATION_BACKENDS/SLACK_WEBHOOK_URL/ESCALATION_WEBHOOK_URL (see
// internal/config).
type Config struct {
	Backends     []string
	SlackWebhook string
	WebhookURL   string
}

// FromConfig builds the Escalator a worker process hands to its
// maintenance.Engine. A worker runs unattended in a container, so the
// terminal backend (stderr, picked up by the container's log stream) is
// always included alongside any configured network backend — a
// misconfigured Slack/webhook backend must never mean an escalation goes
// completely unobserved.
func FromConfig(cfg Config) (Escalator, error) {
	escalators := []Escalator{NewTerminal()}

	for _, backend := range cfg.Backends {
		switch backend {
		case "terminal":
			// already included unconditionally above
		case "slack":
			if cfg.SlackWebhook == "" {
				return nil, fmt.Errorf("slack backend requires webhook URL")
			}
			escalators = append(escalators, NewSlack(cfg.SlackWebhook))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("webhook backend requires URL")
			}
			escalators = append(escalators, NewWebhook(cfg.WebhookURL))
		default:
			return nil, fmt.Errorf("unknown escalation backend: %s", backend)
		}
	}

	if len(escalators) == 1 {
		return escalators[0], nil
	}

	return NewMulti(escalators...), nil
}
