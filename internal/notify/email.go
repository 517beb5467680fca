package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/linewatch/linewatch/internal/config"
	"github.com/wneessen/go-mail"
)

// mailSender is the subset of *mail.Client used for delivery.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Email sends alerts to the line's alert address over SMTP.
type Email struct {
	from   string
	client mailSender
}

// NewEmail creates an SMTP notifier. Authentication is used when a username
// is configured; TLS is opportunistic.
func NewEmail(cfg config.EmailConfig) (*Email, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: email client: %w", err)
	}
	return &Email{from: cfg.From, client: client}, nil
}

// Send mails msg to msg.To. Lines without an alert address are skipped.
func (e *Email) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		log.Printf("notify: line %d has no alert email, skipping email", msg.LineID)
		return nil
	}
	m, err := buildMail(e.from, msg)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send to %s: %w", msg.To, err)
	}
	log.Printf("notify: emailed %s about line %d", msg.To, msg.LineID)
	return nil
}

func buildMail(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("from %q: %w", from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}
