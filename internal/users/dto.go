package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// UserDTO is the transport shape that omits credentials and exposes PII in plaintext.
type UserDTO struct {
	ID          uuid.UUID      `json:"id"`
	Email       string         `json:"email"`
	FirstName   string         `json:"first_name"`
	LastName    string         `json:"last_name"`
	Phone       *string        `json:"phone,omitempty"`
	Role        enums.UserRole `json:"role"`
	IsActive    bool           `json:"is_active"`
	LastLoginAt *time.Time     `json:"last_login_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateUserDTO holds the data required by the repo to persist a new user.
type CreateUserDTO struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Phone        *string
	Role         enums.UserRole
}

// UpdateProfileRequest is the PATCH /me body. Nil fields are left untouched and
// an empty phone clears it.
type UpdateProfileRequest struct {
	FirstName *string `json:"first_name,omitempty" validate:"omitempty,min=1,max=100"`
	LastName  *string `json:"last_name,omitempty" validate:"omitempty,min=1,max=100"`
	Phone     *string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// SetActiveRequest toggles a user's ability to sign in.
type SetActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// UserList is a page of users for the admin back-office.
type UserList struct {
	Users      []UserDTO `json:"users"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type fieldCipher interface {
	EncryptPtr(value *string) (*string, error)
	DecryptPtr(token *string) (*string, error)
	BlindIndex(value string) string
}

// FromModel maps the row to its DTO, decrypting the phone.
func FromModel(u *models.User, keys fieldCipher) (*UserDTO, error) {
	if u == nil {
		return nil, nil
	}
	phone, err := keys.DecryptPtr(u.PhoneCipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt phone: %w", err)
	}
	return &UserDTO{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Phone:       phone,
		Role:        u.Role,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}, nil
}

// ToModel builds the row, encrypting the phone and deriving its blind index.
func (c CreateUserDTO) ToModel(keys fieldCipher) (*models.User, error) {
	role := c.Role
	if role == "" {
		role = enums.UserRoleCustomer
	}
	user := &models.User{
		ID:           uuid.New(),
		Email:        NormalizeEmail(c.Email),
		PasswordHash: c.PasswordHash,
		FirstName:    strings.TrimSpace(c.FirstName),
		LastName:     strings.TrimSpace(c.LastName),
		Role:         role,
		IsActive:     true,
	}
	if err := applyPhone(user, c.Phone, keys); err != nil {
		return nil, err
	}
	return user, nil
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func applyPhone(user *models.User, phone *string, keys fieldCipher) error {
	if phone == nil || strings.TrimSpace(*phone) == "" {
		user.PhoneCipher = nil
		user.PhoneIndex = nil
		return nil
	}
	value := strings.TrimSpace(*phone)
	cipher, err := keys.EncryptPtr(&value)
	if err != nil {
		return fmt.Errorf("encrypt phone: %w", err)
	}
	index := keys.BlindIndex(value)
	user.PhoneCipher = cipher
	user.PhoneIndex = &index
	return nil
}
