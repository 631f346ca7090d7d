package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/repo"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type intentCanceller interface {
	Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

// Service exposes customer and admin order operations.
type Service interface {
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error)
	GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error)
	Cancel(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error)
	List(ctx context.Context, params pagination.Params, status string) (*OrderList, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderDTO, error)
}

// UpdateStatusInput is an admin-driven status change.
type UpdateStatusInput struct {
	OrderID uuid.UUID
	Status  string
	Reason  string
	ActorID uuid.UUID
}

// ServiceParams wires the order service.
type ServiceParams struct {
	DB      *gorm.DB
	Tx      txRunner
	Outbox  outboxEmitter
	Keys    snapshotCipher
	Intents intentCanceller
	Logger  *logger.Logger
}

type service struct {
	db      *gorm.DB
	tx      txRunner
	outbox  outboxEmitter
	keys    snapshotCipher
	intents intentCanceller
	logg    *logger.Logger
	now     func() time.Time
}

// NewService builds the order service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil || params.Tx == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("field keyring required")
	}
	return &service{
		db:      params.DB,
		tx:      params.Tx,
		outbox:  params.Outbox,
		keys:    params.Keys,
		intents: params.Intents,
		logg:    params.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error) {
	page, err := NewRepository(s.db).ListForUser(ctx, userID, params)
	if err != nil {
		return nil, listError(err)
	}
	return s.toList(page)
}

func (s *service) GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := NewRepository(s.db).FindForUser(ctx, userID, orderID)
	if err != nil {
		return nil, lookupError(err)
	}
	return s.toDTO(order)
}

func (s *service) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error) {
	var dto *OrderDTO
	var intentID *string
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := NewRepository(tx).FindForUser(ctx, userID, orderID)
		if err != nil {
			return lookupError(err)
		}
		if order.Status != enums.OrderStatusCancelled && !order.Status.IsAwaitingPayment() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only unpaid orders can be cancelled")
		}
		changed, err := ApplyTx(ctx, tx, order, Transition{To: enums.OrderStatusCancelled, At: s.now(), Reason: "customer_request"})
		if err != nil {
			return err
		}
		if changed {
			actor := &outbox.ActorRef{UserID: userID, Role: enums.UserRoleCustomer.String()}
			if event, ok := EventFor(order, "customer_request", actor); ok {
				if err := s.outbox.Emit(ctx, tx, event); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order cancelled")
				}
			}
			intentID = order.PaymentIntentID
		}
		dto, err = s.toDTO(order)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cancelIntent(ctx, intentID)
	return dto, nil
}

func (s *service) List(ctx context.Context, params pagination.Params, status string) (*OrderList, error) {
	var filter *enums.OrderStatus
	if status != "" {
		parsed, err := enums.ParseOrderStatus(status)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
		}
		filter = &parsed
	}
	page, err := NewRepository(s.db).List(ctx, params, filter)
	if err != nil {
		return nil, listError(err)
	}
	return s.toList(page)
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*OrderDTO, error) {
	target, err := enums.ParseOrderStatus(input.Status)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}

	var dto *OrderDTO
	var intentID *string
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := NewRepository(tx).FindByID(ctx, input.OrderID)
		if err != nil {
			return lookupError(err)
		}
		from := order.Status
		changed, err := ApplyTx(ctx, tx, order, Transition{To: target, At: s.now(), Reason: input.Reason})
		if err != nil {
			return err
		}
		if changed {
			actor := &outbox.ActorRef{UserID: input.ActorID, Role: enums.UserRoleAdmin.String()}
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderStatusChanged,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         actor,
				Data: payloads.OrderStatusChangedEvent{
					OrderID: order.ID,
					UserID:  order.UserID,
					From:    from,
					To:      target,
					ActorID: input.ActorID,
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit status change")
			}
			if event, ok := EventFor(order, input.Reason, actor); ok {
				if err := s.outbox.Emit(ctx, tx, event); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit order event")
				}
			}
			if target == enums.OrderStatusCancelled {
				intentID = order.PaymentIntentID
			}
		}
		dto, err = s.toDTO(order)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cancelIntent(ctx, intentID)
	return dto, nil
}

// cancelIntent voids the gateway intent after the order row is cancelled.
// Failures are logged; the intent expires on the gateway side regardless.
func (s *service) cancelIntent(ctx context.Context, intentID *string) {
	if intentID == nil || *intentID == "" || s.intents == nil {
		return
	}
	if _, err := s.intents.Cancel(ctx, *intentID); err != nil && !pkgstripe.IsNotFound(err) {
		if s.logg != nil {
			s.logg.Error(s.logg.WithField(ctx, "payment_intent_id", *intentID), "orders.intent_cancel_failed", err)
		}
	}
}

func (s *service) toDTO(order *models.Order) (*OrderDTO, error) {
	dto, err := FromModel(order, s.keys)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt order")
	}
	return dto, nil
}

func (s *service) toList(page repo.Page[models.Order]) (*OrderList, error) {
	out := &OrderList{Orders: make([]OrderDTO, 0, len(page.Items)), NextCursor: page.NextCursor}
	for i := range page.Items {
		dto, err := s.toDTO(&page.Items[i])
		if err != nil {
			return nil, err
		}
		out.Orders = append(out.Orders, *dto)
	}
	return out, nil
}

func lookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}

func listError(err error) error {
	if errors.Is(err, repo.ErrInvalidCursor) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
}
