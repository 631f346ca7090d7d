package address

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// Service manages the current user's shipping addresses.
type Service interface {
	List(ctx context.Context, userID uuid.UUID) ([]AddressDTO, error)
	Get(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error)
	Create(ctx context.Context, userID uuid.UUID, input AddressInput) (*AddressDTO, error)
	Update(ctx context.Context, userID, addressID uuid.UUID, input UpdateAddressInput) (*AddressDTO, error)
	Delete(ctx context.Context, userID, addressID uuid.UUID) error
	SetPrimary(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type service struct {
	db   *gorm.DB
	tx   txRunner
	keys fieldCipher
}

// NewService builds the address service.
func NewService(db *gorm.DB, tx txRunner, keys fieldCipher) (Service, error) {
	if db == nil || tx == nil {
		return nil, fmt.Errorf("database required")
	}
	if keys == nil {
		return nil, fmt.Errorf("field keyring required")
	}
	return &service{db: db, tx: tx, keys: keys}, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]AddressDTO, error) {
	rows, err := NewRepository(s.db).ListForUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list addresses")
	}
	out := make([]AddressDTO, 0, len(rows))
	for i := range rows {
		dto, err := fromModel(&rows[i], s.keys)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt address")
		}
		out = append(out, *dto)
	}
	return out, nil
}

func (s *service) Get(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error) {
	row, err := NewRepository(s.db).FindForUser(ctx, userID, addressID)
	if err != nil {
		return nil, lookupError(err)
	}
	dto, err := fromModel(row, s.keys)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt address")
	}
	return dto, nil
}

func (s *service) Create(ctx context.Context, userID uuid.UUID, input AddressInput) (*AddressDTO, error) {
	if strings.TrimSpace(input.RecipientName) == "" || strings.TrimSpace(input.Line1) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient_name and line1 are required")
	}
	row := &models.Address{
		ID:         uuid.New(),
		UserID:     userID,
		Label:      blankToNil(input.Label),
		City:       strings.TrimSpace(input.City),
		Region:     strings.TrimSpace(input.Region),
		PostalCode: strings.TrimSpace(input.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(input.Country)),
		IsActive:   true,
	}
	sealed := plain{
		recipientName: strings.TrimSpace(input.RecipientName),
		line1:         strings.TrimSpace(input.Line1),
		line2:         input.Line2,
		phone:         input.Phone,
	}
	if err := sealed.seal(row, s.keys); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encrypt address")
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := NewRepository(tx)
		count, err := txRepo.CountActive(ctx, userID)
		if err != nil {
			return err
		}
		makePrimary := input.IsPrimary || count == 0
		if makePrimary {
			if err := txRepo.ClearPrimary(ctx, userID); err != nil {
				return err
			}
		}
		if err := txRepo.Create(ctx, row); err != nil {
			return err
		}
		if makePrimary {
			row.IsPrimary = true
			return txRepo.MarkPrimary(ctx, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create address")
	}
	return s.Get(ctx, userID, row.ID)
}

func (s *service) Update(ctx context.Context, userID, addressID uuid.UUID, input UpdateAddressInput) (*AddressDTO, error) {
	current, err := s.Get(ctx, userID, addressID)
	if err != nil {
		return nil, err
	}
	row, err := NewRepository(s.db).FindForUser(ctx, userID, addressID)
	if err != nil {
		return nil, lookupError(err)
	}

	working := plain{
		recipientName: current.RecipientName,
		line1:         current.Line1,
		line2:         current.Line2,
		phone:         current.Phone,
	}
	if input.RecipientName != nil {
		working.recipientName = strings.TrimSpace(*input.RecipientName)
	}
	if input.Line1 != nil {
		working.line1 = strings.TrimSpace(*input.Line1)
	}
	if input.Line2 != nil {
		working.line2 = input.Line2
	}
	if input.Phone != nil {
		working.phone = input.Phone
	}
	if working.recipientName == "" || working.line1 == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient_name and line1 cannot be blank")
	}
	if input.Label != nil {
		row.Label = blankToNil(input.Label)
	}
	if input.City != nil {
		row.City = strings.TrimSpace(*input.City)
	}
	if input.Region != nil {
		row.Region = strings.TrimSpace(*input.Region)
	}
	if input.PostalCode != nil {
		row.PostalCode = strings.TrimSpace(*input.PostalCode)
	}
	if input.Country != nil {
		row.Country = strings.ToUpper(strings.TrimSpace(*input.Country))
	}
	if err := working.seal(row, s.keys); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encrypt address")
	}
	if err := NewRepository(s.db).Save(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update address")
	}
	return s.Get(ctx, userID, addressID)
}

func (s *service) Delete(ctx context.Context, userID, addressID uuid.UUID) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := NewRepository(tx)
		row, err := txRepo.FindForUser(ctx, userID, addressID)
		if err != nil {
			return lookupError(err)
		}
		if err := txRepo.Deactivate(ctx, row.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete address")
		}
		if !row.IsPrimary {
			return nil
		}
		next, err := txRepo.NewestActive(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "promote address")
		}
		if err := txRepo.MarkPrimary(ctx, next.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "promote address")
		}
		return nil
	})
}

func (s *service) SetPrimary(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := NewRepository(tx)
		if _, err := txRepo.FindForUser(ctx, userID, addressID); err != nil {
			return lookupError(err)
		}
		if err := txRepo.ClearPrimary(ctx, userID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear primary")
		}
		if err := txRepo.MarkPrimary(ctx, addressID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "set primary")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, addressID)
}

func lookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "address not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load address")
}
