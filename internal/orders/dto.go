package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/internal/address"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// snapshotCipher encrypts the shipping snapshot as a single field.
type snapshotCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// OrderDTO is the order payload returned to its owner and to admins.
type OrderDTO struct {
	ID                   uuid.UUID         `json:"id"`
	UserID               uuid.UUID         `json:"user_id"`
	Status               enums.OrderStatus `json:"status"`
	Currency             string            `json:"currency"`
	SubtotalCents        int64             `json:"subtotal_cents"`
	TaxCents             int64             `json:"tax_cents"`
	ShippingCents        int64             `json:"shipping_cents"`
	TotalCents           int64             `json:"total_cents"`
	Total                string            `json:"total"`
	ShippingAddress      *address.Snapshot `json:"shipping_address,omitempty"`
	PaymentIntentID      *string           `json:"payment_intent_id,omitempty"`
	PaymentFailureReason *string           `json:"payment_failure_reason,omitempty"`
	PaidAt               *time.Time        `json:"paid_at,omitempty"`
	CancelledAt          *time.Time        `json:"cancelled_at,omitempty"`
	ExpiredAt            *time.Time        `json:"expired_at,omitempty"`
	Items                []OrderItemDTO    `json:"items"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// OrderItemDTO is one purchased line with its price snapshot.
type OrderItemDTO struct {
	ID             uuid.UUID `json:"id"`
	ProductID      uuid.UUID `json:"product_id"`
	ProductName    string    `json:"product_name"`
	SKU            string    `json:"sku"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

// OrderList is a page of orders.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// SealSnapshot encrypts the order-time address copy.
func SealSnapshot(keys snapshotCipher, snapshot address.Snapshot) (string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal address snapshot: %w", err)
	}
	return keys.Encrypt(string(raw))
}

// OpenSnapshot decrypts a sealed address copy.
func OpenSnapshot(keys snapshotCipher, token string) (*address.Snapshot, error) {
	if token == "" {
		return nil, nil
	}
	plain, err := keys.Decrypt(token)
	if err != nil {
		return nil, err
	}
	var snapshot address.Snapshot
	if err := json.Unmarshal([]byte(plain), &snapshot); err != nil {
		return nil, fmt.Errorf("decode address snapshot: %w", err)
	}
	return &snapshot, nil
}

// FromModel maps an order row to its DTO, decrypting the shipping snapshot.
func FromModel(o *models.Order, keys snapshotCipher) (*OrderDTO, error) {
	snapshot, err := OpenSnapshot(keys, o.ShippingAddressCipher)
	if err != nil {
		return nil, err
	}
	dto := &OrderDTO{
		ID:                   o.ID,
		UserID:               o.UserID,
		Status:               o.Status,
		Currency:             o.Currency,
		SubtotalCents:        o.SubtotalCents,
		TaxCents:             o.TaxCents,
		ShippingCents:        o.ShippingCents,
		TotalCents:           o.TotalCents,
		Total:                product.FormatCents(o.TotalCents),
		ShippingAddress:      snapshot,
		PaymentIntentID:      o.PaymentIntentID,
		PaymentFailureReason: o.PaymentFailureReason,
		PaidAt:               o.PaidAt,
		CancelledAt:          o.CancelledAt,
		ExpiredAt:            o.ExpiredAt,
		Items:                make([]OrderItemDTO, 0, len(o.Items)),
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
	for _, item := range o.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ID:             item.ID,
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			SKU:            item.SKU,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
		})
	}
	return dto, nil
}
