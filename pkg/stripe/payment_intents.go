package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
)

const (
	MetadataOrderID = "order_id"
	MetadataUserID  = "user_id"
)

// CreateIntentInput describes the payment intent opened for one order.
type CreateIntentInput struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	AmountCents int64
	Currency    string
	Email       string
}

// PaymentIntents is the subset of Stripe used by checkout and reconciliation.
type PaymentIntents interface {
	Create(ctx context.Context, input CreateIntentInput) (*stripe.PaymentIntent, error)
	Get(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

type paymentIntentClient struct{}

// NewPaymentIntents returns the Stripe-backed implementation. The API key is installed by NewClient.
func NewPaymentIntents(api *Client) PaymentIntents {
	if api == nil {
		return nil
	}
	return &paymentIntentClient{}
}

// IdempotencyKeyForOrder is reused on every create for the same order so Stripe returns the
// existing intent instead of opening a second one.
func IdempotencyKeyForOrder(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

func (c *paymentIntentClient) Create(ctx context.Context, input CreateIntentInput) (*stripe.PaymentIntent, error) {
	if input.OrderID == uuid.Nil {
		return nil, errors.New("order id is required")
	}
	if input.AmountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", input.AmountCents)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(input.AmountCents),
		Currency: stripe.String(strings.ToLower(input.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if input.Email != "" {
		params.ReceiptEmail = stripe.String(input.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(IdempotencyKeyForOrder(input.OrderID))
	params.AddMetadata(MetadataOrderID, input.OrderID.String())
	params.AddMetadata(MetadataUserID, input.UserID.String())
	return paymentintent.New(params)
}

func (c *paymentIntentClient) Get(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

func (c *paymentIntentClient) Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	return paymentintent.Cancel(id, params)
}

// IsRetryable reports whether a failed Stripe call may succeed if repeated.
// Non-Stripe errors are network failures and count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return true
	}
	if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
		return true
	}
	return stripeErr.Type == stripe.ErrorTypeAPI
}

// IsNotFound reports whether Stripe has no such object.
func IsNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// OrderIDFromMetadata extracts the order id stamped on the intent at creation.
func OrderIDFromMetadata(pi *stripe.PaymentIntent) (uuid.UUID, error) {
	if pi == nil {
		return uuid.Nil, errors.New("payment intent is nil")
	}
	raw, ok := pi.Metadata[MetadataOrderID]
	if !ok || strings.TrimSpace(raw) == "" {
		return uuid.Nil, fmt.Errorf("payment intent %s missing %s metadata", pi.ID, MetadataOrderID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payment intent %s has invalid %s: %w", pi.ID, MetadataOrderID, err)
	}
	return id, nil
}

// FailureReason returns the gateway's last payment error message, if any.
func FailureReason(pi *stripe.PaymentIntent) string {
	if pi == nil || pi.LastPaymentError == nil {
		return ""
	}
	if pi.LastPaymentError.Msg != "" {
		return pi.LastPaymentError.Msg
	}
	return string(pi.LastPaymentError.Code)
}
