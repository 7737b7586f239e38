package mailer

import (
	"context"
	"fmt"

	sendgrid "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/certsouq/certsouq-api/pkg/config"
)

// Message is a rendered outbound email.
type Message struct {
	ToName   string
	ToEmail  string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers a message to a single destination.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridSender delivers messages through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	cfg    config.MailConfig
}

// NewSendGridSender constructs a SendGrid-backed sender.
func NewSendGridSender(cfg config.MailConfig) (*SendGridSender, error) {
	if cfg.SendGridAPIKey == "" {
		return nil, fmt.Errorf("sendgrid api key missing")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("sender address missing")
	}
	return &SendGridSender{client: sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg: cfg}, nil
}

// Send delivers the message, honouring the configured send timeout.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if msg.ToEmail == "" {
		return fmt.Errorf("destination address missing")
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := mail.NewEmail(msg.ToName, msg.ToEmail)
	email := mail.NewSingleEmail(from, msg.Subject, to, msg.TextBody, msg.HTMLBody)
	if s.cfg.ReplyToEmail != "" {
		email.SetReplyTo(mail.NewEmail(s.cfg.FromName, s.cfg.ReplyToEmail))
	}

	resp, err := s.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid rejected message: status %d", resp.StatusCode)
	}
	return nil
}
