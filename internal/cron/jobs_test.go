package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/security/fieldcrypt"
)

var jobNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeReconciler settles orders listed in paid by flipping them in the database.
type fakeReconciler struct {
	conn  *gorm.DB
	paid  map[uuid.UUID]bool
	errs  map[uuid.UUID]error
	calls []uuid.UUID
}

func (f *fakeReconciler) ReconcileOrder(ctx context.Context, order *models.Order) (payments.Outcome, error) {
	f.calls = append(f.calls, order.ID)
	if err := f.errs[order.ID]; err != nil {
		return payments.OutcomeRejected, err
	}
	if f.paid[order.ID] {
		err := f.conn.Model(&models.Order{}).Where("id = ?", order.ID).
			Updates(map[string]any{"status": enums.OrderStatusPaid, "paid_at": jobNow}).Error
		return payments.OutcomeApplied, err
	}
	return payments.OutcomeIgnored, nil
}

type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	f.cancelled = append(f.cancelled, id)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test"})
}

func seedProduct(t *testing.T, conn *gorm.DB, stock int) models.Product {
	t.Helper()
	p := models.Product{ID: uuid.New(), SKU: uuid.NewString()[:8], Slug: uuid.NewString()[:8], Name: "Kettle", PriceCents: 2500, Currency: "usd", StockQty: stock, IsActive: true}
	require.NoError(t, conn.Omit("Images", "Videos").Create(&p).Error)
	return p
}

func seedOrder(t *testing.T, conn *gorm.DB, p models.Product, status enums.OrderStatus, intentID *string, age time.Duration) *models.Order {
	t.Helper()
	order := &models.Order{
		UserID:                uuid.New(),
		Status:                status,
		Currency:              "usd",
		SubtotalCents:         2500,
		TotalCents:            2500,
		ShippingAddressCipher: "v1:sealed",
		PaymentIntentID:       intentID,
		CreatedAt:             jobNow.Add(-age).UTC(),
		Items: []models.OrderItem{{
			ProductID: p.ID, ProductName: p.Name, SKU: p.SKU,
			UnitPriceCents: 2500, Quantity: 2, LineTotalCents: 5000,
		}},
	}
	require.NoError(t, orders.NewRepository(conn).Create(context.Background(), order))
	return order
}

func orderStatus(t *testing.T, conn *gorm.DB, id uuid.UUID) enums.OrderStatus {
	t.Helper()
	var order models.Order
	require.NoError(t, conn.First(&order, "id = ?", id).Error)
	return order.Status
}

func strPtr(s string) *string { return &s }

func TestExpireOrdersJobExpiresStaleOrders(t *testing.T) {
	conn := dbtest.Open(t)
	p := seedProduct(t, conn, 3)
	stale := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, strPtr("pi_stale"), 2*time.Hour)
	failed := seedOrder(t, conn, p, enums.OrderStatusPaymentFailed, nil, 3*time.Hour)
	fresh := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, nil, 5*time.Minute)
	settled := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, strPtr("pi_settled"), 2*time.Hour)

	reconciler := &fakeReconciler{conn: conn, paid: map[uuid.UUID]bool{settled.ID: true}}
	canceller := &fakeCanceller{}
	jobIface, err := NewExpireOrdersJob(ExpireOrdersJobParams{
		Logger:     testLogger(),
		DB:         conn,
		Tx:         db.Wrap(conn),
		Outbox:     outbox.NewService(outbox.NewRepository(conn), nil),
		Reconciler: reconciler,
		Intents:    canceller,
		TTL:        time.Hour,
	})
	require.NoError(t, err)
	job := jobIface.(*expireOrdersJob)
	job.now = func() time.Time { return jobNow }

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, enums.OrderStatusExpired, orderStatus(t, conn, stale.ID))
	assert.Equal(t, enums.OrderStatusExpired, orderStatus(t, conn, failed.ID))
	assert.Equal(t, enums.OrderStatusPendingPayment, orderStatus(t, conn, fresh.ID))
	assert.Equal(t, enums.OrderStatusPaid, orderStatus(t, conn, settled.ID))
	assert.ElementsMatch(t, []uuid.UUID{stale.ID, settled.ID}, reconciler.calls)
	assert.Equal(t, []string{"pi_stale"}, canceller.cancelled)

	var stock models.Product
	require.NoError(t, conn.First(&stock, "id = ?", p.ID).Error)
	assert.Equal(t, 7, stock.StockQty)

	var events int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventOrderExpired).Count(&events).Error)
	assert.Equal(t, int64(2), events)

	// A second pass finds nothing left to expire.
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, canceller.cancelled, 1)
}

func TestExpireOrdersJobSkipsOrdersWhenGatewayUnavailable(t *testing.T) {
	conn := dbtest.Open(t)
	p := seedProduct(t, conn, 1)
	order := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, strPtr("pi_unknown"), 2*time.Hour)

	reconciler := &fakeReconciler{conn: conn, errs: map[uuid.UUID]error{
		order.ID: pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("timeout"), "fetch payment intent"),
	}}
	jobIface, err := NewExpireOrdersJob(ExpireOrdersJobParams{
		Logger:     testLogger(),
		DB:         conn,
		Tx:         db.Wrap(conn),
		Outbox:     outbox.NewService(outbox.NewRepository(conn), nil),
		Reconciler: reconciler,
		Intents:    &fakeCanceller{},
		TTL:        time.Hour,
	})
	require.NoError(t, err)
	job := jobIface.(*expireOrdersJob)
	job.now = func() time.Time { return jobNow }

	assert.Error(t, job.Run(context.Background()))
	assert.Equal(t, enums.OrderStatusPendingPayment, orderStatus(t, conn, order.ID))
}

func TestExpireOrdersJobRequiresTTL(t *testing.T) {
	conn := dbtest.Open(t)
	_, err := NewExpireOrdersJob(ExpireOrdersJobParams{
		Logger:     testLogger(),
		DB:         conn,
		Tx:         db.Wrap(conn),
		Outbox:     outbox.NewService(outbox.NewRepository(conn), nil),
		Reconciler: &fakeReconciler{},
		Intents:    &fakeCanceller{},
	})
	assert.Error(t, err)
}

func TestPaymentReconcileJobScansWindow(t *testing.T) {
	conn := dbtest.Open(t)
	p := seedProduct(t, conn, 10)
	inWindow := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, strPtr("pi_a"), 30*time.Minute)
	rejected := seedOrder(t, conn, p, enums.OrderStatusPaymentFailed, strPtr("pi_b"), 40*time.Minute)
	tooYoung := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, nil, time.Minute)
	tooOld := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, nil, 48*time.Hour)
	paid := seedOrder(t, conn, p, enums.OrderStatusPaid, strPtr("pi_c"), 30*time.Minute)

	reconciler := &fakeReconciler{
		conn: conn,
		paid: map[uuid.UUID]bool{inWindow.ID: true},
		errs: map[uuid.UUID]error{rejected.ID: pkgerrors.New(pkgerrors.CodeStateConflict, "payment amount does not match order total")},
	}
	jobIface, err := NewPaymentReconcileJob(PaymentReconcileJobParams{
		Logger:     testLogger(),
		DB:         conn,
		Reconciler: reconciler,
		Lookback:   24 * time.Hour,
	})
	require.NoError(t, err)
	job := jobIface.(*paymentReconcileJob)
	job.now = func() time.Time { return jobNow }

	require.NoError(t, job.Run(context.Background()))
	assert.ElementsMatch(t, []uuid.UUID{inWindow.ID, rejected.ID}, reconciler.calls)
	assert.NotContains(t, reconciler.calls, tooYoung.ID)
	assert.NotContains(t, reconciler.calls, tooOld.ID)
	assert.NotContains(t, reconciler.calls, paid.ID)
	assert.Equal(t, enums.OrderStatusPaid, orderStatus(t, conn, inWindow.ID))
}

func TestPaymentReconcileJobReturnsRetryableErrors(t *testing.T) {
	conn := dbtest.Open(t)
	p := seedProduct(t, conn, 10)
	order := seedOrder(t, conn, p, enums.OrderStatusPendingPayment, strPtr("pi_a"), 30*time.Minute)

	reconciler := &fakeReconciler{conn: conn, errs: map[uuid.UUID]error{order.ID: errors.New("connection reset")}}
	jobIface, err := NewPaymentReconcileJob(PaymentReconcileJobParams{
		Logger:     testLogger(),
		DB:         conn,
		Reconciler: reconciler,
		Lookback:   24 * time.Hour,
	})
	require.NoError(t, err)
	job := jobIface.(*paymentReconcileJob)
	job.now = func() time.Time { return jobNow }

	assert.Error(t, job.Run(context.Background()))
}

func rotationKeyring(t *testing.T, active int) *fieldcrypt.Keyring {
	t.Helper()
	ring, err := fieldcrypt.NewKeyring(map[int][]byte{
		1: []byte("first-secret"),
		2: []byte("second-secret"),
	}, active, []byte("bidx"))
	require.NoError(t, err)
	return ring
}

func seal(t *testing.T, ring *fieldcrypt.Keyring, plain string) string {
	t.Helper()
	token, err := ring.Encrypt(plain)
	require.NoError(t, err)
	return token
}

func TestKeyRotationJobResealsStaleColumns(t *testing.T) {
	conn := dbtest.Open(t)
	old := rotationKeyring(t, 1)
	current := rotationKeyring(t, 2)

	phone := seal(t, old, "+1 555 0100")
	user := models.User{ID: uuid.New(), Email: "ada@example.com", PasswordHash: "x", FirstName: "Ada", LastName: "L", PhoneCipher: &phone, Role: enums.UserRoleCustomer, IsActive: true}
	require.NoError(t, conn.Create(&user).Error)

	line2 := seal(t, current, "Flat 2")
	address := models.Address{
		ID:                  uuid.New(),
		UserID:              user.ID,
		RecipientNameCipher: seal(t, old, "Ada Lovelace"),
		Line1Cipher:         seal(t, old, "12 Analytical St"),
		Line2Cipher:         &line2,
		City:                "London",
		Region:              "LDN",
		PostalCode:          "N1",
		Country:             "GB",
		IsActive:            true,
	}
	require.NoError(t, conn.Create(&address).Error)

	p := seedProduct(t, conn, 1)
	order := seedOrder(t, conn, p, enums.OrderStatusPaid, nil, time.Hour)
	require.NoError(t, conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("shipping_address_cipher", seal(t, old, `{"city":"London"}`)).Error)

	broken := seedOrder(t, conn, p, enums.OrderStatusPaid, nil, time.Hour)
	require.NoError(t, conn.Model(&models.Order{}).Where("id = ?", broken.ID).
		Update("shipping_address_cipher", "v1:bm90LWEtcmVhbC1jaXBoZXJ0ZXh0LWF0LWFsbA").Error)

	job, err := NewKeyRotationJob(KeyRotationJobParams{
		Logger:    testLogger(),
		DB:        conn,
		Tx:        db.Wrap(conn),
		Keys:      current,
		BatchSize: 1,
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), broken.ID.String())

	var storedUser models.User
	require.NoError(t, conn.First(&storedUser, "id = ?", user.ID).Error)
	require.NotNil(t, storedUser.PhoneCipher)
	assert.True(t, strings.HasPrefix(*storedUser.PhoneCipher, current.ActivePrefix()))
	plain, err := current.Decrypt(*storedUser.PhoneCipher)
	require.NoError(t, err)
	assert.Equal(t, "+1 555 0100", plain)

	var storedAddress models.Address
	require.NoError(t, conn.First(&storedAddress, "id = ?", address.ID).Error)
	for _, token := range []string{storedAddress.RecipientNameCipher, storedAddress.Line1Cipher} {
		assert.False(t, current.NeedsRotation(token))
	}
	assert.Equal(t, line2, *storedAddress.Line2Cipher)
	plain, err = current.Decrypt(storedAddress.Line1Cipher)
	require.NoError(t, err)
	assert.Equal(t, "12 Analytical St", plain)

	var storedOrder models.Order
	require.NoError(t, conn.First(&storedOrder, "id = ?", order.ID).Error)
	plain, err = current.Decrypt(storedOrder.ShippingAddressCipher)
	require.NoError(t, err)
	assert.Equal(t, `{"city":"London"}`, plain)

	var storedBroken models.Order
	require.NoError(t, conn.First(&storedBroken, "id = ?", broken.ID).Error)
	assert.Equal(t, "v1:bm90LWEtcmVhbC1jaXBoZXJ0ZXh0LWF0LWFsbA", storedBroken.ShippingAddressCipher)
}
