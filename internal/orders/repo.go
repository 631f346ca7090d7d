package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository persists orders and their line items.
type Repository struct {
	repo.Base
}

// NewRepository binds the order repository to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx returns a repository that runs on tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return NewRepository(tx)
}

func withItems(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC, id ASC")
	})
}

// Create inserts the order followed by its items.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if err := r.DB(ctx).Omit("Items").Create(order).Error; err != nil {
		return err
	}
	if len(order.Items) == 0 {
		return nil
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	return r.DB(ctx).Create(&order.Items).Error
}

// FindByID loads an order with its items.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := withItems(r.DB(ctx)).First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// FindForUser loads an order only when it belongs to userID.
func (r *Repository) FindForUser(ctx context.Context, userID, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := withItems(r.DB(ctx)).
		Where("id = ? AND user_id = ?", id, userID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByPaymentIntentID loads the order linked to a gateway payment intent.
func (r *Repository) FindByPaymentIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	var order models.Order
	if err := withItems(r.DB(ctx)).First(&order, "payment_intent_id = ?", intentID).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// ListForUser pages through a customer's orders, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (repo.Page[models.Order], error) {
	return r.list(ctx, r.DB(ctx).Model(&models.Order{}).Where("user_id = ?", userID), params)
}

// List pages through every order, optionally narrowed to one status.
func (r *Repository) List(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (repo.Page[models.Order], error) {
	query := r.DB(ctx).Model(&models.Order{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	return r.list(ctx, query, params)
}

func (r *Repository) list(ctx context.Context, query *gorm.DB, params pagination.Params) (repo.Page[models.Order], error) {
	query, limit, err := repo.Keyset(query, "orders", params)
	if err != nil {
		return repo.Page[models.Order]{}, err
	}
	var rows []models.Order
	if err := withItems(query).Find(&rows).Error; err != nil {
		return repo.Page[models.Order]{}, err
	}
	return repo.FinishPage(rows, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

// SetPaymentIntent links the gateway intent to an order that has none yet.
func (r *Repository) SetPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	return r.DB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND payment_intent_id IS NULL", id).
		Updates(map[string]any{"payment_intent_id": intentID, "updated_at": time.Now().UTC()}).Error
}

// UpdateStatus moves the order from one status to another. It reports false
// when the row was no longer in the expected status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// ListAwaitingPayment returns unpaid orders created in [after, before), oldest
// first. A zero after leaves the window open at the start.
func (r *Repository) ListAwaitingPayment(ctx context.Context, after, before time.Time, limit int) ([]models.Order, error) {
	query := withItems(r.DB(ctx)).
		Where("status IN ? AND created_at < ?", []enums.OrderStatus{enums.OrderStatusPendingPayment, enums.OrderStatusPaymentFailed}, before)
	if !after.IsZero() {
		query = query.Where("created_at >= ?", after)
	}
	var rows []models.Order
	err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// StatusCount is one row of the orders-by-status aggregate.
type StatusCount struct {
	Status enums.OrderStatus
	Count  int64
}

// CountByStatus groups all orders by status.
func (r *Repository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.DB(ctx).
		Model(&models.Order{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status ASC").
		Scan(&rows).Error
	return rows, err
}

// SumTotals adds up total_cents over orders in the given statuses.
func (r *Repository) SumTotals(ctx context.Context, statuses []enums.OrderStatus) (int64, error) {
	var sum int64
	err := r.DB(ctx).
		Model(&models.Order{}).
		Select("COALESCE(SUM(total_cents), 0)").
		Where("status IN ?", statuses).
		Scan(&sum).Error
	return sum, err
}
