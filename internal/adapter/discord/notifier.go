// Package discord posts messages to Discord webhooks and exposes that as
// the discord.post capability.
package discord

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
var ErrNotConfigured = errors.New("discord webhook not configured")

// Notification is one message to post. Level selects the embed color.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// Notifier sends notifications to Discord via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Discord notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: http.DefaultClient,
	}
}

// discordWebhook is the Discord webhook payload with embeds.
type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (n *Notifier) Send(ctx context.Context, notification Notification) error {
	if n.webhookURL == "" {
		return ErrNotConfigured
	}

	embed := discordEmbed{
		Title:       notification.Title,
		Description: notification.Message,
		Color:       levelColor(notification.Level),
	}

	if notification.Source != "" {
		embed.Footer = &discordFooter{Text: "Source: " + notification.Source}
	}

	msg := discordWebhook{
		Embeds: []discordEmbed{embed},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Discord returns 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// levelColor returns Discord embed color integers for notification levels.
func levelColor(level string) int {
	switch level {
	case "success":
		return 0x2ECC71 // green
	case "error":
		return 0xE74C3C // red
	case "warning":
		return 0xF39C12 // orange
	default:
		return 0x3498DB // blue (info)
	}
}

// Register binds the discord.post capability onto the registry. Posting is
// not idempotent: a retried delivery duplicates the message.
func Register(reg *capability.Registry, n *Notifier) error {
	handler := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var notification Notification
		if err := json.Unmarshal(input, &notification); err != nil {
			return nil, fmt.Errorf("decode discord input: %w", err)
		}
		if notification.Message == "" {
			return nil, fmt.Errorf("discord input missing message")
		}
		if err := n.Send(ctx, notification); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"delivered": true})
	})

	return reg.Register(domcap.Registration{
		Name:         "discord.post",
		Version:      "1.0.0",
		Idempotent:   false,
		Timeout:      15 * time.Second,
		InputFields:  []string{"level", "title", "message", "source"},
		OutputFields: []string{"delivered"},
	}, handler)
}
