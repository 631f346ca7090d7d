package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/address"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/security/fieldcrypt"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

type fakeIntents struct {
	inputs []pkgstripe.CreateIntentInput
	err    error
}

func (f *fakeIntents) Create(ctx context.Context, input pkgstripe.CreateIntentInput) (*stripe.PaymentIntent, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.PaymentIntent{
		ID:           "pi_" + input.OrderID.String()[:8],
		ClientSecret: "secret_" + input.OrderID.String()[:8],
		Amount:       input.AmountCents,
		Currency:     stripe.Currency(input.Currency),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

type harness struct {
	conn      *gorm.DB
	intents   *fakeIntents
	svc       Service
	userID    uuid.UUID
	addressID uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	keys, err := fieldcrypt.NewKeyring(map[int][]byte{1: []byte("checkout-secret")}, 1, []byte("bidx"))
	require.NoError(t, err)
	tx := db.Wrap(conn)

	user := models.User{ID: uuid.New(), Email: "bart@example.com", PasswordHash: "x", FirstName: "Bart", LastName: "Simpson", Role: enums.UserRoleCustomer, IsActive: true}
	require.NoError(t, conn.Create(&user).Error)

	addresses, err := address.NewService(conn, tx, keys)
	require.NoError(t, err)
	addr, err := addresses.Create(context.Background(), user.ID, address.AddressInput{
		RecipientName: "Bart Simpson",
		Line1:         "742 Evergreen Terrace",
		City:          "Springfield",
		Region:        "OR",
		PostalCode:    "97403",
		Country:       "US",
	})
	require.NoError(t, err)

	intents := &fakeIntents{}
	svc, err := NewService(ServiceParams{
		Tx:        tx,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), nil),
		Addresses: addresses,
		Keys:      keys,
		Intents:   intents,
		Pricing: Pricing{
			Currency:                   "usd",
			TaxRate:                    decimal.RequireFromString("0.10"),
			FlatShippingCents:          500,
			FreeShippingThresholdCents: 10000,
		},
		Retry: pkgstripe.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaximumBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return &harness{conn: conn, intents: intents, svc: svc, userID: user.ID, addressID: addr.ID}
}

func (h *harness) product(t *testing.T, price int64, stock int, active bool) uuid.UUID {
	t.Helper()
	p := models.Product{
		ID:         uuid.New(),
		SKU:        "SKU-" + uuid.NewString()[:8],
		Slug:       "slug-" + uuid.NewString()[:8],
		Name:       "Garden Gnome",
		PriceCents: price,
		Currency:   "usd",
		StockQty:   stock,
		IsActive:   active,
	}
	require.NoError(t, h.conn.Omit("Images", "Videos").Create(&p).Error)
	return p.ID
}

func (h *harness) stock(t *testing.T, id uuid.UUID) int {
	t.Helper()
	var p models.Product
	require.NoError(t, h.conn.First(&p, "id = ?", id).Error)
	return p.StockQty
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.conn.Model(model).Count(&n).Error)
	return n
}

func TestExecuteCreatesOrderAndIntent(t *testing.T) {
	h := newHarness(t)
	mug := h.product(t, 1250, 10, true)
	lamp := h.product(t, 3000, 2, true)

	result, err := h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items: []LineInput{
			{ProductID: mug, Quantity: 2},
			{ProductID: lamp, Quantity: 1},
			{ProductID: mug, Quantity: 1},
		},
	})
	require.NoError(t, err)

	order := result.Order
	assert.Equal(t, enums.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, int64(6750), order.SubtotalCents)
	assert.Equal(t, int64(675), order.TaxCents)
	assert.Equal(t, int64(500), order.ShippingCents)
	assert.Equal(t, int64(7925), order.TotalCents)
	assert.Equal(t, "79.25", order.Total)
	require.Len(t, order.Items, 2)
	require.NotNil(t, order.ShippingAddress)
	assert.Equal(t, "Bart Simpson", order.ShippingAddress.RecipientName)

	assert.False(t, result.PaymentPending)
	assert.NotEmpty(t, result.ClientSecret)
	require.Len(t, h.intents.inputs, 1)
	assert.Equal(t, int64(7925), h.intents.inputs[0].AmountCents)
	assert.Equal(t, "bart@example.com", h.intents.inputs[0].Email)

	assert.Equal(t, 7, h.stock(t, mug))
	assert.Equal(t, 1, h.stock(t, lamp))

	var stored models.Order
	require.NoError(t, h.conn.First(&stored, "id = ?", order.ID).Error)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, result.PaymentIntentID, *stored.PaymentIntentID)
	assert.Equal(t, int64(7925), stored.TotalCents)

	var created int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventOrderCreated).Count(&created).Error)
	assert.Equal(t, int64(1), created)
}

func TestExecuteFreeShippingAboveThreshold(t *testing.T) {
	h := newHarness(t)
	tv := h.product(t, 20000, 1, true)

	result, err := h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items:     []LineInput{{ProductID: tv, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Order.ShippingCents)
	assert.Equal(t, int64(22000), result.Order.TotalCents)
}

func TestExecuteInsufficientStockRollsBack(t *testing.T) {
	h := newHarness(t)
	plenty := h.product(t, 100, 50, true)
	scarce := h.product(t, 100, 1, true)

	_, err := h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items: []LineInput{
			{ProductID: plenty, Quantity: 5},
			{ProductID: scarce, Quantity: 2},
		},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)
	assert.Equal(t, 50, h.stock(t, plenty))
	assert.Equal(t, 1, h.stock(t, scarce))
	assert.Equal(t, int64(0), h.count(t, &models.Order{}))
	assert.Empty(t, h.intents.inputs)
}

func TestExecuteRejectsInactiveProductsAndBadQuantities(t *testing.T) {
	h := newHarness(t)
	hidden := h.product(t, 100, 5, false)
	visible := h.product(t, 100, 500, true)

	_, err := h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items:     []LineInput{{ProductID: hidden, Quantity: 1}},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	for _, qty := range []int{0, 101} {
		_, err = h.svc.Execute(context.Background(), h.userID, CheckoutInput{
			AddressID: h.addressID,
			Items:     []LineInput{{ProductID: visible, Quantity: qty}},
		})
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "qty %d: got %v", qty, err)
	}

	_, err = h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items:     []LineInput{{ProductID: visible, Quantity: 60}, {ProductID: visible, Quantity: 60}},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "merged lines: got %v", err)

	_, err = h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: uuid.New(),
		Items:     []LineInput{{ProductID: visible, Quantity: 1}},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "foreign address: got %v", err)
	assert.Equal(t, 500, h.stock(t, visible))
}

func TestExecuteKeepsOrderWhenGatewayFails(t *testing.T) {
	h := newHarness(t)
	h.intents.err = errors.New("connection reset")
	item := h.product(t, 1000, 3, true)

	result, err := h.svc.Execute(context.Background(), h.userID, CheckoutInput{
		AddressID: h.addressID,
		Items:     []LineInput{{ProductID: item, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, result.PaymentPending)
	assert.Empty(t, result.ClientSecret)
	assert.Len(t, h.intents.inputs, 2)

	var stored models.Order
	require.NoError(t, h.conn.First(&stored, "id = ?", result.Order.ID).Error)
	assert.Equal(t, enums.OrderStatusPendingPayment, stored.Status)
	assert.Nil(t, stored.PaymentIntentID)
	assert.Equal(t, 2, h.stock(t, item))
}
