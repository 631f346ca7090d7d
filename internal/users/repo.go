package users

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository exposes user-related persistence operations.
type Repository struct {
	repo.Base
}

// NewRepository constructs a users repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// Create inserts a new user. The ID is assigned by the caller's model.
func (r *Repository) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return r.DB(ctx).Create(user).Error
}

// FindByEmail retrieves the user matching the provided (normalized) email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.DB(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID loads a user by their UUID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.DB(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByPhone resolves a user through the phone blind index.
func (r *Repository) FindByPhone(ctx context.Context, phoneIndex string) (*models.User, error) {
	var user models.User
	if err := r.DB(ctx).Where("phone_bidx = ?", phoneIndex).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateLastLogin refreshes the user's last_login_at timestamp.
func (r *Repository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.DB(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("last_login_at", at).Error
}

// UpdatePasswordHash stores an upgraded hash after a successful login.
func (r *Repository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.DB(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("password_hash", hash).Error
}

// Save persists profile columns of an already loaded user.
func (r *Repository) Save(ctx context.Context, user *models.User) error {
	return r.DB(ctx).
		Model(user).
		Select("first_name", "last_name", "phone_cipher", "phone_bidx", "updated_at").
		Updates(map[string]any{
			"first_name":   user.FirstName,
			"last_name":    user.LastName,
			"phone_cipher": user.PhoneCipher,
			"phone_bidx":   user.PhoneIndex,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// SetActive flips is_active and reports whether a row matched.
func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool) (bool, error) {
	res := r.DB(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": active, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// List returns users newest first.
func (r *Repository) List(ctx context.Context, params pagination.Params) (repo.Page[models.User], error) {
	query, limit, err := repo.Keyset(r.DB(ctx).Model(&models.User{}), "users", params)
	if err != nil {
		return repo.Page[models.User]{}, err
	}
	var rows []models.User
	if err := query.Find(&rows).Error; err != nil {
		return repo.Page[models.User]{}, err
	}
	return repo.FinishPage(rows, limit, func(u models.User) pagination.Cursor {
		return pagination.Cursor{CreatedAt: u.CreatedAt, ID: u.ID}
	}), nil
}

// Count returns the number of users.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&models.User{}).Count(&count).Error
	return count, err
}
