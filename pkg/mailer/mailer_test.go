package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

type fakeSendClient struct {
	resp *rest.Response
	err  error
	sent []*mail.SGMailV3
}

func (f *fakeSendClient) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	return f.resp, f.err
}

func newTestSender(client *fakeSendClient, sandbox bool) *SendgridSender {
	return newSendgridSender(client, config.SendgridConfig{DefaultFrom: "shop@example.com", DefaultFromName: "Shop", SandboxMode: sandbox}, nil)
}

func TestSendBuildsMessage(t *testing.T) {
	client := &fakeSendClient{resp: &rest.Response{StatusCode: 202}}
	sender := newTestSender(client, true)

	err := sender.Send(context.Background(), Message{
		ToEmail:   "buyer@example.com",
		ToName:    "Buyer",
		Subject:   "Thanks",
		PlainText: "plain",
		HTML:      "<p>html</p>",
		Category:  "order_paid",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(client.sent))
	}
	msg := client.sent[0]
	if msg.From.Address != "shop@example.com" || msg.Subject != "Thanks" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Personalizations) != 1 || msg.Personalizations[0].To[0].Address != "buyer@example.com" {
		t.Fatalf("unexpected recipients %+v", msg.Personalizations)
	}
	if len(msg.Categories) != 1 || msg.Categories[0] != "order_paid" {
		t.Fatalf("unexpected categories %v", msg.Categories)
	}
	if msg.MailSettings == nil || msg.MailSettings.SandboxMode == nil || !*msg.MailSettings.SandboxMode.Enable {
		t.Fatal("expected sandbox mode enabled")
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request", 400, true},
		{"unauthorized", 401, true},
		{"throttled", 429, false},
		{"server error", 503, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := newTestSender(&fakeSendClient{resp: &rest.Response{StatusCode: tc.status}}, false)
			err := sender.Send(context.Background(), Message{ToEmail: "a@example.com", Subject: "s", PlainText: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrPermanent) != tc.permanent {
				t.Fatalf("expected permanent=%v, got %v", tc.permanent, err)
			}
		})
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	sender := newTestSender(&fakeSendClient{}, false)
	if err := sender.Send(context.Background(), Message{Subject: "s"}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewSendgridSenderValidatesConfig(t *testing.T) {
	if _, err := NewSendgridSender(config.SendgridConfig{DefaultFrom: "a@example.com"}, nil); err == nil {
		t.Fatal("expected missing api key to fail")
	}
	if _, err := NewSendgridSender(config.SendgridConfig{APIKey: "SG.x"}, nil); err == nil {
		t.Fatal("expected missing from to fail")
	}
}
