package product

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository persists products and their media rows.
type Repository struct {
	repo.Base
}

// ListFilter narrows catalog listings.
type ListFilter struct {
	Query      string
	Category   string
	ActiveOnly bool
}

// NewRepository binds the product repository to db.
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

func withMedia(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Images", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, created_at ASC")
		}).
		Preload("Videos", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, created_at ASC")
		})
}

// FindByID loads a product with its media.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := withMedia(r.DB(ctx)).First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// FindBySlug loads a product with its media by slug.
func (r *Repository) FindBySlug(ctx context.Context, slug string) (*models.Product, error) {
	var product models.Product
	if err := withMedia(r.DB(ctx)).First(&product, "slug = ?", slug).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// FindMany loads the given products without media.
func (r *Repository) FindMany(ctx context.Context, ids []uuid.UUID) ([]models.Product, error) {
	var products []models.Product
	if len(ids) == 0 {
		return products, nil
	}
	if err := r.DB(ctx).Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// Create inserts a product row.
func (r *Repository) Create(ctx context.Context, product *models.Product) error {
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	return r.DB(ctx).Omit("Images", "Videos").Create(product).Error
}

// UpdateColumns writes only the given columns. Stock is never rewritten from a
// stale read here; checkout adjusts it through DecrementStock and Restock.
func (r *Repository) UpdateColumns(ctx context.Context, id uuid.UUID, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}
	columns["updated_at"] = time.Now().UTC()
	return r.DB(ctx).
		Model(&models.Product{}).
		Where("id = ?", id).
		Updates(columns).Error
}

// Delete removes the product and its media rows.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	db := r.DB(ctx)
	if err := db.Where("product_id = ?", id).Delete(&models.ProductImage{}).Error; err != nil {
		return err
	}
	if err := db.Where("product_id = ?", id).Delete(&models.ProductVideo{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.Product{}, "id = ?", id).Error
}

// HasOrderItems reports whether any order references the product.
func (r *Repository) HasOrderItems(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&models.OrderItem{}).Where("product_id = ?", id).Count(&count).Error
	return count > 0, err
}

// List returns products newest first.
func (r *Repository) List(ctx context.Context, params pagination.Params, filter ListFilter) (repo.Page[models.Product], error) {
	query := r.DB(ctx).Model(&models.Product{})
	if filter.ActiveOnly {
		query = query.Where("products.is_active = ?", true)
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Query)); q != "" {
		query = query.Where(`LOWER(products.name) LIKE ? ESCAPE '\'`, "%"+escapeLike(q)+"%")
	}
	if category := strings.TrimSpace(filter.Category); category != "" {
		query = query.Where("products.category = ?", category)
	}
	query, limit, err := repo.Keyset(query, "products", params)
	if err != nil {
		return repo.Page[models.Product]{}, err
	}
	var rows []models.Product
	if err := query.Preload("Images", "is_primary = ?", true).Find(&rows).Error; err != nil {
		return repo.Page[models.Product]{}, err
	}
	return repo.FinishPage(rows, limit, func(p models.Product) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	}), nil
}

// DecrementStock reserves qty units only when enough stock remains.
// It reports false when the conditional update matched no row.
func (r *Repository) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	res := r.DB(ctx).
		Model(&models.Product{}).
		Where("id = ? AND stock_qty >= ?", id, qty).
		UpdateColumn("stock_qty", gorm.Expr("stock_qty - ?", qty))
	return res.RowsAffected == 1, res.Error
}

// Restock returns qty units to the product.
func (r *Repository) Restock(ctx context.Context, id uuid.UUID, qty int) error {
	return r.DB(ctx).
		Model(&models.Product{}).
		Where("id = ?", id).
		UpdateColumn("stock_qty", gorm.Expr("stock_qty + ?", qty)).Error
}

// CountActive returns the number of purchasable products.
func (r *Repository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&models.Product{}).Where("is_active = ?", true).Count(&count).Error
	return count, err
}

// LowStock lists active products at or below threshold, scarcest first.
func (r *Repository) LowStock(ctx context.Context, threshold, limit int) ([]models.Product, error) {
	var products []models.Product
	err := r.DB(ctx).
		Where("is_active = ? AND stock_qty <= ?", true, threshold).
		Order("stock_qty ASC, name ASC").
		Limit(limit).
		Find(&products).Error
	return products, err
}

// AddImage inserts an image at the end of the product's gallery. The first
// image becomes primary.
func (r *Repository) AddImage(ctx context.Context, image *models.ProductImage) error {
	db := r.DB(ctx)
	var count int64
	if err := db.Model(&models.ProductImage{}).Where("product_id = ?", image.ProductID).Count(&count).Error; err != nil {
		return err
	}
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	image.Position = int(count)
	image.IsPrimary = count == 0
	return db.Create(image).Error
}

// AddVideo inserts a video at the end of the product's list.
func (r *Repository) AddVideo(ctx context.Context, video *models.ProductVideo) error {
	db := r.DB(ctx)
	var count int64
	if err := db.Model(&models.ProductVideo{}).Where("product_id = ?", video.ProductID).Count(&count).Error; err != nil {
		return err
	}
	if video.ID == uuid.Nil {
		video.ID = uuid.New()
	}
	video.Position = int(count)
	return db.Create(video).Error
}

// FindImage loads one image scoped to its product.
func (r *Repository) FindImage(ctx context.Context, productID, imageID uuid.UUID) (*models.ProductImage, error) {
	var image models.ProductImage
	if err := r.DB(ctx).First(&image, "id = ? AND product_id = ?", imageID, productID).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

// FindVideo loads one video scoped to its product.
func (r *Repository) FindVideo(ctx context.Context, productID, videoID uuid.UUID) (*models.ProductVideo, error) {
	var video models.ProductVideo
	if err := r.DB(ctx).First(&video, "id = ? AND product_id = ?", videoID, productID).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// DeleteImage removes an image row. When it was primary, the next image in
// position order is promoted.
func (r *Repository) DeleteImage(ctx context.Context, image *models.ProductImage) error {
	db := r.DB(ctx)
	if err := db.Delete(&models.ProductImage{}, "id = ?", image.ID).Error; err != nil {
		return err
	}
	if !image.IsPrimary {
		return nil
	}
	var next models.ProductImage
	err := db.Where("product_id = ?", image.ProductID).Order("position ASC, created_at ASC").First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return db.Model(&models.ProductImage{}).Where("id = ?", next.ID).UpdateColumn("is_primary", true).Error
}

// DeleteVideo removes a video row.
func (r *Repository) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	return r.DB(ctx).Delete(&models.ProductVideo{}, "id = ?", id).Error
}

// SetPrimaryImage clears every primary flag of the product then sets the
// chosen image. Callers run it inside a transaction.
func (r *Repository) SetPrimaryImage(ctx context.Context, productID, imageID uuid.UUID) error {
	db := r.DB(ctx)
	if err := db.Model(&models.ProductImage{}).
		Where("product_id = ? AND is_primary = ?", productID, true).
		UpdateColumn("is_primary", false).Error; err != nil {
		return err
	}
	return db.Model(&models.ProductImage{}).
		Where("id = ? AND product_id = ?", imageID, productID).
		UpdateColumn("is_primary", true).Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
