package address

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// Repository persists addresses. Only active rows are visible to lookups.
type Repository struct {
	repo.Base
}

// NewRepository binds the address repository to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// Create inserts the address row.
func (r *Repository) Create(ctx context.Context, address *models.Address) error {
	if address.ID == uuid.Nil {
		address.ID = uuid.New()
	}
	return r.DB(ctx).Create(address).Error
}

// FindForUser loads an active address owned by userID.
func (r *Repository) FindForUser(ctx context.Context, userID, id uuid.UUID) (*models.Address, error) {
	var address models.Address
	err := r.DB(ctx).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		First(&address).Error
	if err != nil {
		return nil, err
	}
	return &address, nil
}

// ListForUser returns active addresses, primary first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Address, error) {
	var addresses []models.Address
	err := r.DB(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("is_primary DESC, created_at DESC").
		Find(&addresses).Error
	return addresses, err
}

// CountActive returns the number of active addresses of the user.
func (r *Repository) CountActive(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&models.Address{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	return count, err
}

// Save writes the mutable columns of a loaded row.
func (r *Repository) Save(ctx context.Context, address *models.Address) error {
	return r.DB(ctx).Model(&models.Address{}).Where("id = ?", address.ID).Updates(map[string]any{
		"label":                 address.Label,
		"recipient_name_cipher": address.RecipientNameCipher,
		"line1_cipher":          address.Line1Cipher,
		"line2_cipher":          address.Line2Cipher,
		"city":                  address.City,
		"region":                address.Region,
		"postal_code":           address.PostalCode,
		"country":               address.Country,
		"phone_cipher":          address.PhoneCipher,
		"updated_at":            time.Now().UTC(),
	}).Error
}

// ClearPrimary unsets the primary flag on every address of the user.
func (r *Repository) ClearPrimary(ctx context.Context, userID uuid.UUID) error {
	return r.DB(ctx).Model(&models.Address{}).
		Where("user_id = ? AND is_primary = ?", userID, true).
		UpdateColumn("is_primary", false).Error
}

// MarkPrimary sets the primary flag on one address.
func (r *Repository) MarkPrimary(ctx context.Context, id uuid.UUID) error {
	return r.DB(ctx).Model(&models.Address{}).
		Where("id = ?", id).
		UpdateColumn("is_primary", true).Error
}

// Deactivate soft-deletes the address and drops its primary flag.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.DB(ctx).Model(&models.Address{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "is_primary": false, "updated_at": time.Now().UTC()}).Error
}

// NewestActive returns the most recently created active address, if any.
func (r *Repository) NewestActive(ctx context.Context, userID uuid.UUID) (*models.Address, error) {
	var address models.Address
	err := r.DB(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		First(&address).Error
	if err != nil {
		return nil, err
	}
	return &address, nil
}
