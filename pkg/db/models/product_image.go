package models

import (
	"time"

	"github.com/google/uuid"
)

// ProductImage stores ordered images for products. At most one row per product is primary.
type ProductImage struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID   uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	GCSKey      string    `gorm:"column:gcs_key;not null"`
	URL         string    `gorm:"column:url;not null"`
	ContentType string    `gorm:"column:content_type;not null"`
	SizeBytes   int64     `gorm:"column:size_bytes;not null"`
	AltText     *string   `gorm:"column:alt_text"`
	Position    int       `gorm:"column:position;not null;default:0"`
	IsPrimary   bool      `gorm:"column:is_primary;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
