package address

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// AddressInput is the create payload.
type AddressInput struct {
	Label         *string `json:"label,omitempty" validate:"omitempty,max=60"`
	RecipientName string  `json:"recipient_name" validate:"required,max=200"`
	Line1         string  `json:"line1" validate:"required,max=200"`
	Line2         *string `json:"line2,omitempty" validate:"omitempty,max=200"`
	City          string  `json:"city" validate:"required,max=100"`
	Region        string  `json:"region" validate:"required,max=100"`
	PostalCode    string  `json:"postal_code" validate:"required,max=20"`
	Country       string  `json:"country" validate:"required,len=2"`
	Phone         *string `json:"phone,omitempty" validate:"omitempty,max=32"`
	IsPrimary     bool    `json:"is_primary"`
}

// UpdateAddressInput holds optional changes. Nil fields are kept.
type UpdateAddressInput struct {
	Label         *string `json:"label,omitempty" validate:"omitempty,max=60"`
	RecipientName *string `json:"recipient_name,omitempty" validate:"omitempty,min=1,max=200"`
	Line1         *string `json:"line1,omitempty" validate:"omitempty,min=1,max=200"`
	Line2         *string `json:"line2,omitempty" validate:"omitempty,max=200"`
	City          *string `json:"city,omitempty" validate:"omitempty,min=1,max=100"`
	Region        *string `json:"region,omitempty" validate:"omitempty,min=1,max=100"`
	PostalCode    *string `json:"postal_code,omitempty" validate:"omitempty,min=1,max=20"`
	Country       *string `json:"country,omitempty" validate:"omitempty,len=2"`
	Phone         *string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// AddressDTO is the decrypted address returned to its owner.
type AddressDTO struct {
	ID            uuid.UUID `json:"id"`
	Label         *string   `json:"label,omitempty"`
	RecipientName string    `json:"recipient_name"`
	Line1         string    `json:"line1"`
	Line2         *string   `json:"line2,omitempty"`
	City          string    `json:"city"`
	Region        string    `json:"region"`
	PostalCode    string    `json:"postal_code"`
	Country       string    `json:"country"`
	Phone         *string   `json:"phone,omitempty"`
	IsPrimary     bool      `json:"is_primary"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot is the copy of an address frozen onto an order.
type Snapshot struct {
	RecipientName string  `json:"recipient_name"`
	Line1         string  `json:"line1"`
	Line2         *string `json:"line2,omitempty"`
	City          string  `json:"city"`
	Region        string  `json:"region"`
	PostalCode    string  `json:"postal_code"`
	Country       string  `json:"country"`
	Phone         *string `json:"phone,omitempty"`
}

// Snapshot returns the order-time copy of the address.
func (a AddressDTO) Snapshot() Snapshot {
	return Snapshot{
		RecipientName: a.RecipientName,
		Line1:         a.Line1,
		Line2:         a.Line2,
		City:          a.City,
		Region:        a.Region,
		PostalCode:    a.PostalCode,
		Country:       a.Country,
		Phone:         a.Phone,
	}
}

type fieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
	EncryptPtr(value *string) (*string, error)
	DecryptPtr(token *string) (*string, error)
}

func fromModel(m *models.Address, keys fieldCipher) (*AddressDTO, error) {
	name, err := keys.Decrypt(m.RecipientNameCipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt recipient name: %w", err)
	}
	line1, err := keys.Decrypt(m.Line1Cipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt line1: %w", err)
	}
	line2, err := keys.DecryptPtr(m.Line2Cipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt line2: %w", err)
	}
	phone, err := keys.DecryptPtr(m.PhoneCipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt phone: %w", err)
	}
	return &AddressDTO{
		ID:            m.ID,
		Label:         m.Label,
		RecipientName: name,
		Line1:         line1,
		Line2:         line2,
		City:          m.City,
		Region:        m.Region,
		PostalCode:    m.PostalCode,
		Country:       m.Country,
		Phone:         phone,
		IsPrimary:     m.IsPrimary,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

// plain is the decrypted working copy applied to a row on write.
type plain struct {
	recipientName string
	line1         string
	line2         *string
	phone         *string
}

func (p plain) seal(m *models.Address, keys fieldCipher) error {
	var err error
	if m.RecipientNameCipher, err = keys.Encrypt(p.recipientName); err != nil {
		return fmt.Errorf("encrypt recipient name: %w", err)
	}
	if m.Line1Cipher, err = keys.Encrypt(p.line1); err != nil {
		return fmt.Errorf("encrypt line1: %w", err)
	}
	if m.Line2Cipher, err = keys.EncryptPtr(blankToNil(p.line2)); err != nil {
		return fmt.Errorf("encrypt line2: %w", err)
	}
	if m.PhoneCipher, err = keys.EncryptPtr(blankToNil(p.phone)); err != nil {
		return fmt.Errorf("encrypt phone: %w", err)
	}
	return nil
}

func blankToNil(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}
