package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// ErrPermanent marks a send the provider rejected; repeating it will not help.
var ErrPermanent = errors.New("mail rejected by provider")

// Message is one transactional email.
type Message struct {
	ToEmail   string
	ToName    string
	Subject   string
	PlainText string
	HTML      string
	// Category tags the message in the provider's dashboard, e.g. "order_paid".
	Category string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type sendClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendgridSender delivers through the SendGrid v3 mail API.
type SendgridSender struct {
	client  sendClient
	from    *mail.Email
	logg    *logger.Logger
	sandbox bool
}

func NewSendgridSender(cfg config.SendgridConfig, logg *logger.Logger) (*SendgridSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.DefaultFrom) == "" {
		return nil, errors.New("sendgrid default from address is required")
	}
	return newSendgridSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logg), nil
}

func newSendgridSender(client sendClient, cfg config.SendgridConfig, logg *logger.Logger) *SendgridSender {
	return &SendgridSender{
		client:  client,
		from:    mail.NewEmail(cfg.DefaultFromName, cfg.DefaultFrom),
		logg:    logg,
		sandbox: cfg.SandboxMode,
	}
}

func (s *SendgridSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ToEmail) == "" {
		return fmt.Errorf("%w: recipient is required", ErrPermanent)
	}
	to := mail.NewEmail(msg.ToName, msg.ToEmail)
	email := mail.NewSingleEmail(s.from, msg.Subject, to, msg.PlainText, msg.HTML)
	if msg.Category != "" {
		email.AddCategories(msg.Category)
	}
	if s.sandbox {
		settings := mail.NewMailSettings()
		settings.SetSandboxMode(mail.NewSetting(true))
		email.SetMailSettings(settings)
	}

	resp, err := s.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if s.logg != nil {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{
				"category": msg.Category,
				"status":   resp.StatusCode,
			}), "mailer.sent")
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("sendgrid returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: sendgrid returned %d: %s", ErrPermanent, resp.StatusCode, truncate(resp.Body, 256))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
