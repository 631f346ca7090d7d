package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/mailer"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

type noopReceiver struct{}

func (noopReceiver) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	return nil
}

type fakeUsers struct {
	users map[uuid.UUID]*models.User
	err   error
}

func (f *fakeUsers) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeSender struct {
	sent []mailer.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeMarker struct {
	seen     map[uuid.UUID]bool
	released []uuid.UUID
	err      error
}

func (f *fakeMarker) CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[eventID] {
		return true, nil
	}
	f.seen[eventID] = true
	return false, nil
}

func (f *fakeMarker) Delete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	delete(f.seen, eventID)
	f.released = append(f.released, eventID)
	return nil
}

type harness struct {
	consumer *Consumer
	users    *fakeUsers
	sender   *fakeSender
	marker   *fakeMarker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		users:  &fakeUsers{users: map[uuid.UUID]*models.User{}},
		sender: &fakeSender{},
		marker: &fakeMarker{seen: map[uuid.UUID]bool{}},
	}
	consumer, err := NewConsumer(ConsumerParams{
		Subscription: noopReceiver{},
		Users:        h.users,
		Sender:       h.sender,
		Idempotency:  h.marker,
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}}),
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	h.consumer = consumer
	return h
}

func envelope(t *testing.T, eventID uuid.UUID, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID.String(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func attrs(eventType enums.OutboxEventType) map[string]string {
	return map[string]string{"event_type": string(eventType)}
}

func TestHandleSendsWelcomeEmail(t *testing.T) {
	h := newHarness(t)
	data := envelope(t, uuid.New(), payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "lisa@example.com", FirstName: "Lisa"})

	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data); got != Ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(h.sender.sent))
	}
	msg := h.sender.sent[0]
	if msg.ToEmail != "lisa@example.com" || msg.Category != "welcome" || !strings.Contains(msg.PlainText, "Hi Lisa") {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHandleOrderPaidLooksUpRecipient(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.users.users[userID] = &models.User{ID: userID, Email: "homer@example.com", FirstName: "Homer"}
	orderID := uuid.New()
	data := envelope(t, uuid.New(), payloads.OrderPaidEvent{OrderID: orderID, UserID: userID, AmountCents: 7925, Currency: "usd"})

	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventOrderPaid), data); got != Ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one email")
	}
	msg := h.sender.sent[0]
	if msg.ToEmail != "homer@example.com" {
		t.Fatalf("unexpected recipient %s", msg.ToEmail)
	}
	if !strings.Contains(msg.PlainText, "79.25 USD") || !strings.Contains(msg.Subject, orderID.String()[:8]) {
		t.Fatalf("unexpected content %q / %q", msg.Subject, msg.PlainText)
	}
}

func TestHandleEscapesNamesInHTML(t *testing.T) {
	h := newHarness(t)
	data := envelope(t, uuid.New(), payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "x@example.com", FirstName: "<b>Bob</b>"})

	h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data)
	if len(h.sender.sent) != 1 || strings.Contains(h.sender.sent[0].HTML, "<b>Bob</b>") {
		t.Fatalf("expected escaped html, got %+v", h.sender.sent)
	}
}

func TestHandleSkipsDuplicatesAndUnknownTypes(t *testing.T) {
	h := newHarness(t)
	eventID := uuid.New()
	data := envelope(t, eventID, payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "lisa@example.com", FirstName: "Lisa"})

	h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data)
	if got := h.consumer.Handle(context.Background(), "m2", attrs(enums.EventUserRegistered), data); got != Ack {
		t.Fatalf("expected duplicate ack")
	}
	if got := h.consumer.Handle(context.Background(), "m3", attrs(enums.EventOrderCreated), data); got != Ack {
		t.Fatalf("expected ack for event without email")
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected exactly one email, got %d", len(h.sender.sent))
	}
}

func TestHandleNacksTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.sender.err = fmt.Errorf("sendgrid returned 503")
	eventID := uuid.New()
	data := envelope(t, eventID, payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "lisa@example.com", FirstName: "Lisa"})

	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data); got != Nack {
		t.Fatalf("expected nack")
	}
	if len(h.marker.released) != 1 || h.marker.released[0] != eventID {
		t.Fatalf("expected event released for redelivery")
	}

	h.sender.err = nil
	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data); got != Ack || len(h.sender.sent) != 1 {
		t.Fatalf("expected redelivery to send")
	}
}

func TestHandleAcksPermanentFailures(t *testing.T) {
	h := newHarness(t)
	h.sender.err = fmt.Errorf("%w: sendgrid returned 400", mailer.ErrPermanent)
	data := envelope(t, uuid.New(), payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "lisa@example.com", FirstName: "Lisa"})

	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data); got != Ack {
		t.Fatalf("expected ack for permanent rejection")
	}
	if len(h.marker.released) != 0 {
		t.Fatalf("permanent failures should stay marked")
	}
}

func TestHandleRecipientErrors(t *testing.T) {
	h := newHarness(t)
	data := envelope(t, uuid.New(), payloads.OrderExpiredEvent{OrderID: uuid.New(), UserID: uuid.New()})
	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventOrderExpired), data); got != Ack {
		t.Fatalf("expected ack for unknown user")
	}

	h.users.err = errors.New("connection reset")
	data = envelope(t, uuid.New(), payloads.OrderExpiredEvent{OrderID: uuid.New(), UserID: uuid.New()})
	if got := h.consumer.Handle(context.Background(), "m2", attrs(enums.EventOrderExpired), data); got != Nack {
		t.Fatalf("expected nack for lookup failure")
	}
}

func TestHandleIdempotencyStoreDown(t *testing.T) {
	h := newHarness(t)
	h.marker.err = errors.New("redis down")
	data := envelope(t, uuid.New(), payloads.UserRegisteredEvent{UserID: uuid.New(), Email: "lisa@example.com", FirstName: "Lisa"})
	if got := h.consumer.Handle(context.Background(), "m1", attrs(enums.EventUserRegistered), data); got != Nack {
		t.Fatalf("expected nack")
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("nothing should be sent")
	}
}
