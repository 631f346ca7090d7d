package models

import (
	"time"

	"github.com/google/uuid"
)

// Address is a customer shipping address. *Cipher columns hold fieldcrypt tokens.
type Address struct {
	ID                  uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID              uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	Label               *string   `gorm:"column:label"`
	RecipientNameCipher string    `gorm:"column:recipient_name_cipher;not null"`
	Line1Cipher         string    `gorm:"column:line1_cipher;not null"`
	Line2Cipher         *string   `gorm:"column:line2_cipher"`
	City                string    `gorm:"column:city;not null"`
	Region              string    `gorm:"column:region;not null"`
	PostalCode          string    `gorm:"column:postal_code;not null"`
	Country             string    `gorm:"column:country;not null"`
	PhoneCipher         *string   `gorm:"column:phone_cipher"`
	IsPrimary           bool      `gorm:"column:is_primary;not null;default:false"`
	IsActive            bool      `gorm:"column:is_active;not null"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
