// Package admin aggregates back-office figures across users, products and orders.
package admin

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

const (
	defaultLowStockThreshold = 5
	defaultLowStockLimit     = 20
	maxLowStockLimit         = 100
)

// revenueStatuses are the statuses whose totals count as gross revenue.
var revenueStatuses = []enums.OrderStatus{enums.OrderStatusPaid, enums.OrderStatusFulfilled}

// Stats is the dashboard summary.
type Stats struct {
	Users          int64                  `json:"users"`
	ActiveProducts int64                  `json:"active_products"`
	OrdersByStatus map[string]int64       `json:"orders_by_status"`
	GrossRevenue   string                 `json:"gross_revenue"`
	Currency       string                 `json:"currency"`
	LowStock       []product.LowStockItem `json:"low_stock"`
}

// StatsInput narrows the low-stock section. Zero values fall back to defaults.
type StatsInput struct {
	LowStockThreshold int
	LowStockLimit     int
}

type Service interface {
	Stats(ctx context.Context, input StatsInput) (*Stats, error)
}

type service struct {
	db       *gorm.DB
	currency string
}

// NewService builds the admin service over db. Revenue is reported in currency.
func NewService(db *gorm.DB, currency string) (Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	return &service{db: db, currency: currency}, nil
}

func (s *service) Stats(ctx context.Context, input StatsInput) (*Stats, error) {
	threshold := input.LowStockThreshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	limit := input.LowStockLimit
	if limit <= 0 {
		limit = defaultLowStockLimit
	}
	if limit > maxLowStockLimit {
		limit = maxLowStockLimit
	}

	userCount, err := users.NewRepository(s.db).Count(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count users").WithDetails(map[string]any{"step": "users"})
	}

	products := product.NewRepository(s.db)
	activeProducts, err := products.CountActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count products").WithDetails(map[string]any{"step": "products"})
	}

	orderRepo := orders.NewRepository(s.db)
	counts, err := orderRepo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count orders").WithDetails(map[string]any{"step": "orders"})
	}
	byStatus := make(map[string]int64, len(counts))
	for _, status := range enums.OrderStatuses() {
		byStatus[status.String()] = 0
	}
	for _, row := range counts {
		byStatus[row.Status.String()] = row.Count
	}

	revenue, err := orderRepo.SumTotals(ctx, revenueStatuses)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sum revenue").WithDetails(map[string]any{"step": "revenue"})
	}

	low, err := products.LowStock(ctx, threshold, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list low stock").WithDetails(map[string]any{"step": "low_stock"})
	}
	lowStock := make([]product.LowStockItem, 0, len(low))
	for _, p := range low {
		lowStock = append(lowStock, product.LowStockItem{ID: p.ID, SKU: p.SKU, Name: p.Name, StockQty: p.StockQty})
	}

	return &Stats{
		Users:          userCount,
		ActiveProducts: activeProducts,
		OrdersByStatus: byStatus,
		GrossRevenue:   product.FormatCents(revenue),
		Currency:       s.currency,
		LowStock:       lowStock,
	}, nil
}
