package product

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Service exposes catalog reads and admin product management.
type Service interface {
	List(ctx context.Context, input ListInput) (*ProductList, error)
	Get(ctx context.Context, idOrSlug string, includeInactive bool) (*ProductDTO, error)
	Create(ctx context.Context, input CreateProductInput) (*ProductDTO, error)
	Update(ctx context.Context, productID uuid.UUID, input UpdateProductInput) (*ProductDTO, error)
	Deactivate(ctx context.Context, productID uuid.UUID) error
	HardDelete(ctx context.Context, productID uuid.UUID) error
	SetPrimaryImage(ctx context.Context, productID, imageID uuid.UUID) (*ProductDTO, error)
}

// ListInput drives catalog listing.
type ListInput struct {
	Pagination      pagination.Params
	Query           string
	Category        string
	IncludeInactive bool
}

// CreateProductInput holds the validated payload to create a product.
type CreateProductInput struct {
	SKU         string  `json:"sku" validate:"required,max=64"`
	Slug        string  `json:"slug,omitempty" validate:"omitempty,max=160"`
	Name        string  `json:"name" validate:"required,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=10000"`
	Category    *string `json:"category,omitempty" validate:"omitempty,max=100"`
	PriceCents  int64   `json:"price_cents" validate:"gte=0"`
	Currency    string  `json:"currency,omitempty" validate:"omitempty,len=3"`
	StockQty    int     `json:"stock_qty" validate:"gte=0"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// UpdateProductInput holds optional mutation values for a product.
type UpdateProductInput struct {
	SKU         *string `json:"sku,omitempty" validate:"omitempty,min=1,max=64"`
	Slug        *string `json:"slug,omitempty" validate:"omitempty,min=1,max=160"`
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=10000"`
	Category    *string `json:"category,omitempty" validate:"omitempty,max=100"`
	PriceCents  *int64  `json:"price_cents,omitempty" validate:"omitempty,gte=0"`
	StockQty    *int    `json:"stock_qty,omitempty" validate:"omitempty,gte=0"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type service struct {
	repo            *Repository
	tx              txRunner
	defaultCurrency string
}

// NewService builds the product service.
func NewService(repository *Repository, tx txRunner, defaultCurrency string) (Service, error) {
	if repository == nil {
		return nil, fmt.Errorf("product repository is required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &service{repo: repository, tx: tx, defaultCurrency: strings.ToLower(defaultCurrency)}, nil
}

func (s *service) List(ctx context.Context, input ListInput) (*ProductList, error) {
	page, err := s.repo.List(ctx, input.Pagination, ListFilter{
		Query:      input.Query,
		Category:   input.Category,
		ActiveOnly: !input.IncludeInactive,
	})
	if err != nil {
		if errors.Is(err, repo.ErrInvalidCursor) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list products")
	}
	out := &ProductList{Products: make([]ProductDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		out.Products = append(out.Products, FromModel(&page.Items[i]))
	}
	return out, nil
}

func (s *service) Get(ctx context.Context, idOrSlug string, includeInactive bool) (*ProductDTO, error) {
	key := strings.TrimSpace(idOrSlug)
	var (
		product *models.Product
		err     error
	)
	if id, parseErr := uuid.Parse(key); parseErr == nil {
		product, err = s.repo.FindByID(ctx, id)
	} else {
		product, err = s.repo.FindBySlug(ctx, strings.ToLower(key))
	}
	if err != nil {
		return nil, notFoundOr(err, "load product")
	}
	if !product.IsActive && !includeInactive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	dto := FromModel(product)
	return &dto, nil
}

func (s *service) Create(ctx context.Context, input CreateProductInput) (*ProductDTO, error) {
	sku := strings.TrimSpace(input.SKU)
	name := strings.TrimSpace(input.Name)
	if sku == "" || name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sku and name are required")
	}
	if input.PriceCents < 0 || input.StockQty < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price_cents and stock_qty must be non-negative")
	}
	slug := Slugify(input.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "slug could not be derived from name")
	}
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	product := &models.Product{
		ID:          uuid.New(),
		SKU:         sku,
		Slug:        slug,
		Name:        name,
		Description: input.Description,
		Category:    input.Category,
		PriceCents:  input.PriceCents,
		Currency:    currency,
		StockQty:    input.StockQty,
		IsActive:    active,
	}
	if err := s.repo.Create(ctx, product); err != nil {
		return nil, uniqueOr(err, "create product")
	}
	return s.Get(ctx, product.ID.String(), true)
}

func (s *service) Update(ctx context.Context, productID uuid.UUID, input UpdateProductInput) (*ProductDTO, error) {
	if _, err := s.repo.FindByID(ctx, productID); err != nil {
		return nil, notFoundOr(err, "load product")
	}

	columns := map[string]any{}
	if input.SKU != nil {
		columns["sku"] = strings.TrimSpace(*input.SKU)
	}
	if input.Slug != nil {
		columns["slug"] = Slugify(*input.Slug)
	}
	if input.Name != nil {
		columns["name"] = strings.TrimSpace(*input.Name)
	}
	for _, col := range []string{"sku", "slug", "name"} {
		if v, ok := columns[col]; ok && v == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "sku, slug and name cannot be blank")
		}
	}
	if input.Description != nil {
		columns["description"] = input.Description
	}
	if input.Category != nil {
		columns["category"] = input.Category
	}
	if input.PriceCents != nil {
		if *input.PriceCents < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "price_cents must be non-negative")
		}
		columns["price_cents"] = *input.PriceCents
	}
	if input.StockQty != nil {
		if *input.StockQty < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock_qty must be non-negative")
		}
		columns["stock_qty"] = *input.StockQty
	}
	if input.IsActive != nil {
		columns["is_active"] = *input.IsActive
	}

	if err := s.repo.UpdateColumns(ctx, productID, columns); err != nil {
		return nil, uniqueOr(err, "update product")
	}
	return s.Get(ctx, productID.String(), true)
}

func (s *service) Deactivate(ctx context.Context, productID uuid.UUID) error {
	if _, err := s.repo.FindByID(ctx, productID); err != nil {
		return notFoundOr(err, "load product")
	}
	if err := s.repo.UpdateColumns(ctx, productID, map[string]any{"is_active": false}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "deactivate product")
	}
	return nil
}

func (s *service) HardDelete(ctx context.Context, productID uuid.UUID) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if _, err := txRepo.FindByID(ctx, productID); err != nil {
			return notFoundOr(err, "load product")
		}
		referenced, err := txRepo.HasOrderItems(ctx, productID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check order references")
		}
		if referenced {
			return pkgerrors.New(pkgerrors.CodeConflict, "product has orders; deactivate it instead")
		}
		if err := txRepo.Delete(ctx, productID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete product")
		}
		return nil
	})
}

func (s *service) SetPrimaryImage(ctx context.Context, productID, imageID uuid.UUID) (*ProductDTO, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if _, err := txRepo.FindImage(ctx, productID, imageID); err != nil {
			return notFoundOr(err, "load image")
		}
		if err := txRepo.SetPrimaryImage(ctx, productID, imageID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "set primary image")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, productID.String(), true)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases value and collapses every run of non-alphanumerics into a dash.
func Slugify(value string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	return strings.Trim(slug, "-")
}

func notFoundOr(err error, action string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, strings.TrimPrefix(action, "load ")+" not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, action)
}

func uniqueOr(err error, action string) error {
	switch {
	case db.IsUniqueViolation(err, "products_sku_key"), db.IsUniqueViolation(err, "products.sku"):
		return pkgerrors.New(pkgerrors.CodeConflict, "sku already exists")
	case db.IsUniqueViolation(err, "products_slug_key"), db.IsUniqueViolation(err, "products.slug"):
		return pkgerrors.New(pkgerrors.CodeConflict, "slug already exists")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, action)
}
