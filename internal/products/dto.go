package product

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// ProductDTO represents the catalog payload returned to clients.
type ProductDTO struct {
	ID              uuid.UUID  `json:"id"`
	SKU             string     `json:"sku"`
	Slug            string     `json:"slug"`
	Name            string     `json:"name"`
	Description     *string    `json:"description,omitempty"`
	Category        *string    `json:"category,omitempty"`
	PriceCents      int64      `json:"price_cents"`
	Price           string     `json:"price"`
	Currency        string     `json:"currency"`
	StockQty        int        `json:"stock_qty"`
	InStock         bool       `json:"in_stock"`
	IsActive        bool       `json:"is_active"`
	PrimaryImageURL *string    `json:"primary_image_url,omitempty"`
	Images          []ImageDTO `json:"images"`
	Videos          []VideoDTO `json:"videos"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ImageDTO exposes product image metadata.
type ImageDTO struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	AltText     *string   `json:"alt_text,omitempty"`
	Position    int       `json:"position"`
	IsPrimary   bool      `json:"is_primary"`
}

// VideoDTO exposes product video metadata.
type VideoDTO struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Position    int       `json:"position"`
}

// ProductList is a page of catalog entries.
type ProductList struct {
	Products   []ProductDTO `json:"products"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// LowStockItem is a product whose stock fell to or below the alert threshold.
type LowStockItem struct {
	ID       uuid.UUID `json:"id"`
	SKU      string    `json:"sku"`
	Name     string    `json:"name"`
	StockQty int       `json:"stock_qty"`
}

// FormatCents renders minor units as a fixed two-decimal amount.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func FromModel(p *models.Product) ProductDTO {
	dto := ProductDTO{
		ID:          p.ID,
		SKU:         p.SKU,
		Slug:        p.Slug,
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		PriceCents:  p.PriceCents,
		Price:       FormatCents(p.PriceCents),
		Currency:    p.Currency,
		StockQty:    p.StockQty,
		InStock:     p.StockQty > 0,
		IsActive:    p.IsActive,
		Images:      make([]ImageDTO, 0, len(p.Images)),
		Videos:      make([]VideoDTO, 0, len(p.Videos)),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	for _, img := range p.Images {
		dto.Images = append(dto.Images, ImageDTO{
			ID:          img.ID,
			URL:         img.URL,
			ContentType: img.ContentType,
			AltText:     img.AltText,
			Position:    img.Position,
			IsPrimary:   img.IsPrimary,
		})
		if img.IsPrimary {
			url := img.URL
			dto.PrimaryImageURL = &url
		}
	}
	for _, vid := range p.Videos {
		dto.Videos = append(dto.Videos, VideoDTO{
			ID:          vid.ID,
			URL:         vid.URL,
			ContentType: vid.ContentType,
			Position:    vid.Position,
		})
	}
	return dto
}
