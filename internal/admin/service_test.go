package admin

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func seedOrder(t *testing.T, conn *gorm.DB, userID uuid.UUID, status enums.OrderStatus, total int64) {
	t.Helper()
	require.NoError(t, conn.Create(&models.Order{
		ID:                    uuid.New(),
		UserID:                userID,
		Status:                status,
		Currency:              "usd",
		SubtotalCents:         total,
		TotalCents:            total,
		ShippingAddressCipher: "v1:sealed",
		CreatedAt:             time.Now().UTC(),
	}).Error)
}

func seedProduct(t *testing.T, conn *gorm.DB, name string, stock int, active bool) {
	t.Helper()
	p := models.Product{
		ID:         uuid.New(),
		SKU:        "SKU-" + name,
		Slug:       name,
		Name:       name,
		PriceCents: 1000,
		Currency:   "usd",
		StockQty:   stock,
		IsActive:   active,
	}
	require.NoError(t, conn.Omit("Images", "Videos").Create(&p).Error)
}

func TestStatsAggregatesStore(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()

	user := models.User{ID: uuid.New(), Email: "marge@example.com", PasswordHash: "x", FirstName: "Marge", LastName: "Simpson", Role: enums.UserRoleCustomer, IsActive: true}
	require.NoError(t, conn.Create(&user).Error)
	admin := models.User{ID: uuid.New(), Email: "root@example.com", PasswordHash: "x", FirstName: "Root", LastName: "Admin", Role: enums.UserRoleAdmin, IsActive: true}
	require.NoError(t, conn.Create(&admin).Error)

	seedProduct(t, conn, "kettle", 2, true)
	seedProduct(t, conn, "toaster", 0, true)
	seedProduct(t, conn, "blender", 50, true)
	seedProduct(t, conn, "retired", 1, false)

	seedOrder(t, conn, user.ID, enums.OrderStatusPaid, 2599)
	seedOrder(t, conn, user.ID, enums.OrderStatusFulfilled, 1001)
	seedOrder(t, conn, user.ID, enums.OrderStatusPendingPayment, 9999)
	seedOrder(t, conn, user.ID, enums.OrderStatusRefunded, 500)

	svc, err := NewService(conn, "usd")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, StatsInput{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Users)
	assert.Equal(t, int64(3), stats.ActiveProducts)
	assert.Equal(t, "36.00", stats.GrossRevenue)
	assert.Equal(t, "usd", stats.Currency)
	assert.Equal(t, int64(1), stats.OrdersByStatus["paid"])
	assert.Equal(t, int64(1), stats.OrdersByStatus["pending_payment"])
	assert.Equal(t, int64(0), stats.OrdersByStatus["expired"])
	assert.Len(t, stats.OrdersByStatus, len(enums.OrderStatuses()))

	require.Len(t, stats.LowStock, 2)
	assert.Equal(t, "toaster", stats.LowStock[0].Name)
	assert.Equal(t, "kettle", stats.LowStock[1].Name)
}

func TestStatsHonoursLowStockInput(t *testing.T) {
	conn := dbtest.Open(t)
	seedProduct(t, conn, "kettle", 2, true)
	seedProduct(t, conn, "toaster", 0, true)
	seedProduct(t, conn, "blender", 8, true)

	svc, err := NewService(conn, "usd")
	require.NoError(t, err)

	stats, err := svc.Stats(context.Background(), StatsInput{LowStockThreshold: 10, LowStockLimit: 1})
	require.NoError(t, err)
	require.Len(t, stats.LowStock, 1)
	assert.Equal(t, "toaster", stats.LowStock[0].Name)
	assert.Equal(t, "0.00", stats.GrossRevenue)
}
