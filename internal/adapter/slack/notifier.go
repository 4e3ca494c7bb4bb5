// Package slack posts messages to Slack incoming webhooks and exposes that
// as the slack.post capability.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("slack webhook not configured")

// Notification is one message to post. Level selects the header marker.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// Notifier sends notifications to Slack via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: http.DefaultClient,
	}
}

// slackMessage is the Slack Block Kit message payload.
type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) Send(ctx context.Context, notification Notification) error {
	if n.webhookURL == "" {
		return ErrNotConfigured
	}

	emoji := levelEmoji(notification.Level)
	headerText := fmt.Sprintf("%s %s", emoji, notification.Title)

	msg := slackMessage{
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: headerText}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: notification.Message}},
		},
	}

	if notification.Source != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "context",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("_Source: %s_", notification.Source)},
		})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func levelEmoji(level string) string {
	switch level {
	case "success":
		return "[OK]"
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}

// Register binds the slack.post capability onto the registry. Posting is
// not idempotent: a retried delivery duplicates the message.
func Register(reg *capability.Registry, n *Notifier) error {
	handler := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var notification Notification
		if err := json.Unmarshal(input, &notification); err != nil {
			return nil, fmt.Errorf("decode slack input: %w", err)
		}
		if notification.Message == "" {
			return nil, fmt.Errorf("slack input missing message")
		}
		if err := n.Send(ctx, notification); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"delivered": true})
	})

	return reg.Register(domcap.Registration{
		Name:         "slack.post",
		Version:      "1.0.0",
		Idempotent:   false,
		Timeout:      15 * time.Second,
		InputFields:  []string{"level", "title", "message", "source"},
		OutputFields: []string{"delivered"},
	}, handler)
}
