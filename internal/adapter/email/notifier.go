// Package email sends mail over SMTP and exposes that as the email.send
// capability.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"time"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
)

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
}

// Notifier sends email notifications via SMTP.
type Notifier struct {
	cfg SMTPConfig

	// sendMail is swappable for testing.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier creates a new email notifier.
func NewNotifier(cfg SMTPConfig) *Notifier {
	return &Notifier{cfg: cfg, sendMail: smtp.SendMail}
}

// Send sends an email notification.
func (n *Notifier) Send(_ context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		n.cfg.From, to, subject, body)

	var auth smtp.Auth
	if n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.From, n.cfg.Password, n.cfg.Host)
	}

	return n.sendMail(addr, auth, n.cfg.From, []string{to}, []byte(msg))
}

// Register binds the email.send capability onto the registry. Sending is
// not idempotent: a retried delivery duplicates the mail.
func Register(reg *capability.Registry, n *Notifier) error {
	handler := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("decode email input: %w", err)
		}
		if req.To == "" {
			return nil, fmt.Errorf("email input missing to")
		}
		if err := n.Send(ctx, req.To, req.Subject, req.Body); err != nil {
			return nil, fmt.Errorf("send email: %w", err)
		}
		return json.Marshal(map[string]bool{"delivered": true})
	})

	return reg.Register(domcap.Registration{
		Name:         "email.send",
		Version:      "1.0.0",
		Idempotent:   false,
		Timeout:      30 * time.Second,
		InputFields:  []string{"to", "subject", "body"},
		OutputFields: []string{"delivered"},
	}, handler)
}
