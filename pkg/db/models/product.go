package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a sellable catalog entry. Stock is decremented at checkout.
type Product struct {
	ID          uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SKU         string         `gorm:"column:sku;not null;uniqueIndex"`
	Slug        string         `gorm:"column:slug;not null;uniqueIndex"`
	Name        string         `gorm:"column:name;not null"`
	Description *string        `gorm:"column:description"`
	Category    *string        `gorm:"column:category"`
	PriceCents  int64          `gorm:"column:price_cents;not null"`
	Currency    string         `gorm:"column:currency;not null;default:'usd'"`
	StockQty    int            `gorm:"column:stock_qty;not null;default:0"`
	IsActive    bool           `gorm:"column:is_active;not null"`
	Images      []ProductImage `gorm:"foreignKey:ProductID;references:ID"`
	Videos      []ProductVideo `gorm:"foreignKey:ProductID;references:ID"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
