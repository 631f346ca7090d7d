package models

import (
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/google/uuid"
)

// Order is a customer purchase. ShippingAddressCipher is an encrypted JSON snapshot.
type Order struct {
	ID                    uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                uuid.UUID         `gorm:"column:user_id;type:uuid;not null"`
	Status                enums.OrderStatus `gorm:"column:status;type:text;not null"`
	Currency              string            `gorm:"column:currency;not null"`
	SubtotalCents         int64             `gorm:"column:subtotal_cents;not null"`
	TaxCents              int64             `gorm:"column:tax_cents;not null"`
	ShippingCents         int64             `gorm:"column:shipping_cents;not null"`
	TotalCents            int64             `gorm:"column:total_cents;not null"`
	ShippingAddressCipher string            `gorm:"column:shipping_address_cipher;not null"`
	PaymentIntentID       *string           `gorm:"column:payment_intent_id"`
	PaymentFailureReason  *string           `gorm:"column:payment_failure_reason"`
	PaidAt                *time.Time        `gorm:"column:paid_at"`
	CancelledAt           *time.Time        `gorm:"column:cancelled_at"`
	ExpiredAt             *time.Time        `gorm:"column:expired_at"`
	Items                 []OrderItem       `gorm:"foreignKey:OrderID;references:ID"`
	CreatedAt             time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
