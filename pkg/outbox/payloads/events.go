package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// UserRegisteredEvent is emitted once per successful registration.
type UserRegisteredEvent struct {
	UserID    uuid.UUID `json:"userId"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
}

// OrderCreatedEvent is emitted in the checkout transaction.
type OrderCreatedEvent struct {
	OrderID    uuid.UUID `json:"orderId"`
	UserID     uuid.UUID `json:"userId"`
	TotalCents int64     `json:"totalCents"`
	Currency   string    `json:"currency"`
	ItemCount  int       `json:"itemCount"`
}

// OrderPaidEvent is emitted when a succeeded payment intent is applied to the order.
type OrderPaidEvent struct {
	OrderID         uuid.UUID `json:"orderId"`
	UserID          uuid.UUID `json:"userId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	PaidAt          time.Time `json:"paidAt"`
}

// OrderPaymentFailedEvent carries the gateway's failure reason.
type OrderPaymentFailedEvent struct {
	OrderID         uuid.UUID `json:"orderId"`
	UserID          uuid.UUID `json:"userId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Reason          string    `json:"reason,omitempty"`
}

// OrderExpiredEvent is emitted when an unpaid order passes its TTL.
type OrderExpiredEvent struct {
	OrderID   uuid.UUID `json:"orderId"`
	UserID    uuid.UUID `json:"userId"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// OrderCancelledEvent is emitted for customer and admin cancellations.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"orderId"`
	UserID      uuid.UUID `json:"userId"`
	CancelledAt time.Time `json:"cancelledAt"`
	Reason      string    `json:"reason,omitempty"`
}

// OrderStatusChangedEvent records admin-driven transitions.
type OrderStatusChangedEvent struct {
	OrderID uuid.UUID         `json:"orderId"`
	UserID  uuid.UUID         `json:"userId"`
	From    enums.OrderStatus `json:"from"`
	To      enums.OrderStatus `json:"to"`
	ActorID uuid.UUID         `json:"actorId"`
}
