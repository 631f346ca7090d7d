package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Service covers the profile and admin user operations.
type Service interface {
	Profile(ctx context.Context, userID uuid.UUID) (*UserDTO, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest) (*UserDTO, error)
	List(ctx context.Context, params pagination.Params) (*UserList, error)
	SetActive(ctx context.Context, userID uuid.UUID, active bool) (*UserDTO, error)
}

type userStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) (bool, error)
	List(ctx context.Context, params pagination.Params) (repo.Page[models.User], error)
}

type sessionRevoker interface {
	RevokeAll(ctx context.Context, userID uuid.UUID) error
}

// ServiceParams bundles the dependencies of the users service.
type ServiceParams struct {
	Repo     userStore
	Keys     fieldCipher
	Sessions sessionRevoker
	Logger   *logger.Logger
}

type service struct {
	repo     userStore
	keys     fieldCipher
	sessions sessionRevoker
	logg     *logger.Logger
}

// NewService validates dependencies and builds the users service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("users repository is required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("field keyring is required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session revoker is required")
	}
	return &service{
		repo:     params.Repo,
		keys:     params.Keys,
		sessions: params.Sessions,
		logg:     params.Logger,
	}, nil
}

func (s *service) Profile(ctx context.Context, userID uuid.UUID) (*UserDTO, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.toDTO(user)
}

func (s *service) UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest) (*UserDTO, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.FirstName != nil {
		name := strings.TrimSpace(*req.FirstName)
		if name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "first_name cannot be blank")
		}
		user.FirstName = name
	}
	if req.LastName != nil {
		name := strings.TrimSpace(*req.LastName)
		if name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "last_name cannot be blank")
		}
		user.LastName = name
	}
	if req.Phone != nil {
		if err := applyPhone(user, req.Phone, s.keys); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encrypt phone")
		}
	}
	if err := s.repo.Save(ctx, user); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update profile")
	}
	return s.toDTO(user)
}

func (s *service) List(ctx context.Context, params pagination.Params) (*UserList, error) {
	page, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, listError(err)
	}
	out := &UserList{Users: make([]UserDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		dto, err := s.toDTO(&page.Items[i])
		if err != nil {
			return nil, err
		}
		out.Users = append(out.Users, *dto)
	}
	return out, nil
}

func (s *service) SetActive(ctx context.Context, userID uuid.UUID, active bool) (*UserDTO, error) {
	found, err := s.repo.SetActive(ctx, userID, active)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update user status")
	}
	if !found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	if !active {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke sessions")
		}
		if s.logg != nil {
			s.logg.Info(s.logg.WithField(ctx, "target_user_id", userID.String()), "users.deactivated")
		}
	}
	return s.Profile(ctx, userID)
}

func (s *service) load(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load user")
	}
	return user, nil
}

func (s *service) toDTO(user *models.User) (*UserDTO, error) {
	dto, err := FromModel(user, s.keys)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "map user")
	}
	return dto, nil
}

func listError(err error) error {
	if errors.Is(err, repo.ErrInvalidCursor) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list users")
}
