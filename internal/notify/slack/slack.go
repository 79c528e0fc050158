// Package slack sends alert notifications to Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/linnemanlabs/herald/internal/alert"
	"github.com/linnemanlabs/herald/internal/notify"
)

const (
	// Slack rejects section text longer than this.
	maxSectionLen = 3000
	maxHeaderLen  = 150
)

// Sender posts rendered alerts to a Slack webhook.
type Sender struct {
	webhookURL string
	client     *http.Client
}

var _ notify.Sender = (*Sender)(nil)

// New creates a Slack sender. If webhookURL is empty, Send reports
// notify.ErrNotConfigured.
func New(webhookURL string, client *http.Client) *Sender {
	if client == nil {
		client = notify.NewHTTPClient(0)
	}
	return &Sender{
		webhookURL: webhookURL,
		client:     client,
	}
}

// Channel implements notify.Sender.
func (s *Sender) Channel() alert.ChannelID { return alert.ChannelSlack }

// Send posts msg to the configured webhook. Incoming webhooks answer with the
// literal body "ok"; anything else is an application error.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	if s.webhookURL == "" {
		return fmt.Errorf("slack: %w: webhook url is required", notify.ErrNotConfigured)
	}

	_, body, err := notify.PostJSON(ctx, s.client, s.webhookURL, buildMessage(msg))
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	if got := strings.TrimSpace(string(body)); got != "ok" {
		return fmt.Errorf("slack: %w: unexpected response %q", notify.ErrAPI, truncate(got, 128))
	}
	return nil
}

func buildMessage(m notify.Message) map[string]any {
	return map[string]any{
		"text": m.Title,
		"blocks": []map[string]any{
			headerBlock(m),
			{"type": "divider"},
			bodyBlock(m),
			contextBlock(m),
		},
	}
}

func headerBlock(m notify.Message) map[string]any {
	text := fmt.Sprintf("%s %s", severityEmoji(m.Status, m.Severity), m.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxHeaderLen),
		},
	}
}

func bodyBlock(m notify.Message) map[string]any {
	text := truncate(m.Body, maxSectionLen-len("```\n\n```"))
	if text == "" {
		text = "-"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "```\n" + text + "\n```",
		},
	}
}

func contextBlock(m notify.Message) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("herald • %s • %s", m.Severity, m.Status),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(status alert.Status, severity alert.Severity) string {
	if status == alert.StatusResolved {
		return "\u2705" // check mark
	}
	switch severity {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
