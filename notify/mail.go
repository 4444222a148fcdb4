package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// =============================================================================
// MAIL NOTIFIER
// =============================================================================

// SMTPConfig holds the SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type MailNotifier struct {
	dialer *gomail.Dialer
	from   string
}

func NewMailNotifier(cfg SMTPConfig) *MailNotifier {
	return &MailNotifier{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Notify sends one message per recipient so addresses are not disclosed to
// each other.
func (n *MailNotifier) Notify(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}

	s, err := n.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to dial smtp: %w", err)
	}
	defer s.Close()

	for _, to := range msg.To {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := gomail.Send(s, n.compose(to, msg)); err != nil {
			return fmt.Errorf("failed to send to %s: %w", to, err)
		}
	}
	return nil
}

func (n *MailNotifier) compose(to string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return m
}
