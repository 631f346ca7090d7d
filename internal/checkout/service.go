package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/address"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const (
	minQuantity  = 1
	maxQuantity  = 100
	maxLineItems = 50
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type addressLookup interface {
	Get(ctx context.Context, userID, addressID uuid.UUID) (*address.AddressDTO, error)
}

type snapshotCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

type intentCreator interface {
	Create(ctx context.Context, input pkgstripe.CreateIntentInput) (*stripe.PaymentIntent, error)
}

// Service places orders and opens their payment intents.
type Service interface {
	Execute(ctx context.Context, userID uuid.UUID, input CheckoutInput) (*Result, error)
}

// LineInput is one requested product and quantity.
type LineInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"min=1,max=100"`
}

// CheckoutInput is the checkout request body.
type CheckoutInput struct {
	Items     []LineInput `json:"items" validate:"required,min=1,max=50,dive"`
	AddressID uuid.UUID   `json:"address_id" validate:"required"`
}

// Result is the placed order plus what the client needs to confirm payment.
type Result struct {
	Order           orders.OrderDTO `json:"order"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	ClientSecret    string          `json:"client_secret,omitempty"`
	PaymentPending  bool            `json:"payment_pending"`
}

// ServiceParams wires the checkout service.
type ServiceParams struct {
	Tx        txRunner
	Outbox    outboxEmitter
	Addresses addressLookup
	Keys      snapshotCipher
	Intents   intentCreator
	Pricing   Pricing
	Retry     pkgstripe.RetryPolicy
	Logger    *logger.Logger
}

type service struct {
	tx        txRunner
	outbox    outboxEmitter
	addresses addressLookup
	keys      snapshotCipher
	intents   intentCreator
	pricing   Pricing
	retry     pkgstripe.RetryPolicy
	logg      *logger.Logger
	now       func() time.Time
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Addresses == nil {
		return nil, fmt.Errorf("address service required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("field keyring required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("payment intent client required")
	}
	if params.Pricing.Currency == "" {
		return nil, fmt.Errorf("checkout currency required")
	}
	retry := params.Retry
	if retry.MaxAttempts == 0 {
		retry = pkgstripe.DefaultRetryPolicy()
	}
	return &service{
		tx:        params.Tx,
		outbox:    params.Outbox,
		addresses: params.Addresses,
		keys:      params.Keys,
		intents:   params.Intents,
		pricing:   params.Pricing,
		retry:     retry,
		logg:      params.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Execute(ctx context.Context, userID uuid.UUID, input CheckoutInput) (*Result, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	lines, err := mergeLines(input.Items)
	if err != nil {
		return nil, err
	}
	shipTo, err := s.addresses.Get(ctx, userID, input.AddressID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "address not found")
		}
		return nil, err
	}
	sealed, err := orders.SealSnapshot(s.keys, shipTo.Snapshot())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal shipping address")
	}

	var order *models.Order
	var email string
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		user, err := users.NewRepository(tx).FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeUnauthorized, "user not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
		}
		if !user.IsActive {
			return pkgerrors.New(pkgerrors.CodeForbidden, "account is disabled")
		}
		email = user.Email

		built, err := s.buildOrder(ctx, tx, userID, lines, sealed)
		if err != nil {
			return err
		}
		if err := orders.NewRepository(tx).Create(ctx, built); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   built.ID,
			Actor:         &outbox.ActorRef{UserID: userID, Role: enums.UserRoleCustomer.String()},
			Data: payloads.OrderCreatedEvent{
				OrderID:    built.ID,
				UserID:     userID,
				TotalCents: built.TotalCents,
				Currency:   built.Currency,
				ItemCount:  len(built.Items),
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order created")
		}
		order = built
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{PaymentPending: true}
	if pi := s.openIntent(ctx, order, email); pi != nil {
		id := pi.ID
		order.PaymentIntentID = &id
		result.PaymentIntentID = pi.ID
		result.ClientSecret = pi.ClientSecret
		result.PaymentPending = false
	}
	dto, err := orders.FromModel(order, s.keys)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt order")
	}
	result.Order = *dto
	return result, nil
}

// buildOrder prices the lines against current catalog rows and reserves stock.
func (s *service) buildOrder(ctx context.Context, tx *gorm.DB, userID uuid.UUID, lines []LineInput, sealedAddress string) (*models.Order, error) {
	products := product.NewRepository(tx)
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	rows, err := products.FindMany(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}
	byID := make(map[uuid.UUID]models.Product, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	order := &models.Order{
		ID:                    uuid.New(),
		UserID:                userID,
		Status:                enums.OrderStatusPendingPayment,
		Currency:              s.pricing.Currency,
		ShippingAddressCipher: sealedAddress,
		CreatedAt:             s.now(),
	}
	var subtotal int64
	for _, line := range lines {
		p, ok := byID[line.ProductID]
		if !ok || !p.IsActive {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product is not available").
				WithDetails(map[string]any{"product_id": line.ProductID})
		}
		if !strings.EqualFold(p.Currency, s.pricing.Currency) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product is priced in another currency").
				WithDetails(map[string]any{"product_id": p.ID, "currency": p.Currency})
		}
		reserved, err := products.DecrementStock(ctx, p.ID, line.Quantity)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve stock")
		}
		if !reserved {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "insufficient stock").
				WithDetails(map[string]any{"product_id": p.ID, "requested": line.Quantity, "available": p.StockQty})
		}
		lineTotal := p.PriceCents * int64(line.Quantity)
		subtotal += lineTotal
		order.Items = append(order.Items, models.OrderItem{
			ID:             uuid.New(),
			ProductID:      p.ID,
			ProductName:    p.Name,
			SKU:            p.SKU,
			UnitPriceCents: p.PriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: lineTotal,
		})
	}

	totals := s.pricing.Quote(subtotal)
	order.SubtotalCents = totals.SubtotalCents
	order.TaxCents = totals.TaxCents
	order.ShippingCents = totals.ShippingCents
	order.TotalCents = totals.TotalCents
	return order, nil
}

// openIntent creates the gateway intent for a committed order. A failure
// leaves the order pending without an intent for reconciliation to retry.
func (s *service) openIntent(ctx context.Context, order *models.Order, email string) *stripe.PaymentIntent {
	var pi *stripe.PaymentIntent
	err := pkgstripe.Retry(ctx, s.retry, "create payment intent", func(ctx context.Context) error {
		created, err := s.intents.Create(ctx, pkgstripe.CreateIntentInput{
			OrderID:     order.ID,
			UserID:      order.UserID,
			AmountCents: order.TotalCents,
			Currency:    order.Currency,
			Email:       email,
		})
		if err != nil {
			return err
		}
		pi = created
		return nil
	})
	logCtx := ctx
	if s.logg != nil {
		logCtx = s.logg.WithField(ctx, "order_id", order.ID.String())
	}
	if err != nil {
		if s.logg != nil {
			s.logg.Error(logCtx, "checkout.intent_create_failed", err)
		}
		return nil
	}
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return orders.NewRepository(tx).SetPaymentIntent(ctx, order.ID, pi.ID)
	}); err != nil {
		if s.logg != nil {
			s.logg.Error(logCtx, "checkout.intent_link_failed", err)
		}
	}
	return pi
}

// mergeLines folds repeated products into one line and orders lines by
// product id so concurrent checkouts lock rows in the same order.
func mergeLines(items []LineInput) ([]LineInput, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	if len(items) > maxLineItems {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d items per order", maxLineItems))
	}
	merged := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
		}
		if item.Quantity < minQuantity || item.Quantity > maxQuantity {
			return nil, quantityError(item.ProductID, item.Quantity)
		}
		merged[item.ProductID] += item.Quantity
	}
	out := make([]LineInput, 0, len(merged))
	for id, qty := range merged {
		if qty > maxQuantity {
			return nil, quantityError(id, qty)
		}
		out = append(out, LineInput{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID.String() < out[j].ProductID.String()
	})
	return out, nil
}

func quantityError(productID uuid.UUID, qty int) error {
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("quantity must be between %d and %d", minQuantity, maxQuantity)).
		WithDetails(map[string]any{"product_id": productID, "quantity": qty})
}
