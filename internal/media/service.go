package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/storage/gcs"
)

const cleanupTimeout = 10 * time.Second

type objectStore interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) (*gcs.Object, error)
	Delete(ctx context.Context, key string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service uploads and removes product images and videos.
type Service interface {
	Upload(ctx context.Context, input UploadInput) (*MediaDTO, error)
	Delete(ctx context.Context, productID, mediaID uuid.UUID) error
}

// UploadInput is one multipart file bound for a product.
type UploadInput struct {
	ProductID uuid.UUID
	Kind      enums.MediaKind
	AltText   *string
	Body      io.Reader
}

// MediaDTO describes a stored image or video.
type MediaDTO struct {
	ID          uuid.UUID       `json:"id"`
	ProductID   uuid.UUID       `json:"product_id"`
	Kind        enums.MediaKind `json:"kind"`
	URL         string          `json:"url"`
	ContentType string          `json:"content_type"`
	SizeBytes   int64           `json:"size_bytes"`
	Position    int             `json:"position"`
	IsPrimary   bool            `json:"is_primary"`
}

// ServiceParams bundles the media service dependencies.
type ServiceParams struct {
	Products *product.Repository
	Store    objectStore
	Tx       txRunner
	MaxBytes int64
	Logger   *logger.Logger
}

type service struct {
	products *product.Repository
	store    objectStore
	tx       txRunner
	maxBytes int64
	logg     *logger.Logger
}

// NewService constructs a media service backed by the product repository and object storage.
func NewService(params ServiceParams) (Service, error) {
	if params.Products == nil {
		return nil, fmt.Errorf("product repository required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("object store required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.MaxBytes <= 0 {
		return nil, fmt.Errorf("upload max bytes must be positive")
	}
	return &service{
		products: params.Products,
		store:    params.Store,
		tx:       params.Tx,
		maxBytes: params.MaxBytes,
		logg:     params.Logger,
	}, nil
}

// ObjectKey builds the storage path products/<product_id>/<kind>/<uuid><ext>.
func ObjectKey(productID uuid.UUID, kind enums.MediaKind, id uuid.UUID, ext string) string {
	return path.Join("products", productID.String(), kind.String(), id.String()+ext)
}

func (s *service) Upload(ctx context.Context, input UploadInput) (*MediaDTO, error) {
	if !input.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "kind must be image or video")
	}
	if input.Body == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is required")
	}
	if _, err := s.products.FindByID(ctx, input.ProductID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product")
	}

	data, err := io.ReadAll(io.LimitReader(input.Body, s.maxBytes+1))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read upload")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("file exceeds %d bytes", s.maxBytes)).
			WithDetails(map[string]any{"max_bytes": s.maxBytes})
	}
	if len(data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is empty")
	}
	contentType, ext, err := sniff(data, input.Kind)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported file type").
			WithDetails(map[string]any{"allowed": allowedMimeTypesByKind[input.Kind]})
	}

	id := uuid.New()
	key := ObjectKey(input.ProductID, input.Kind, id, ext)
	object, err := s.store.Upload(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upload object")
	}

	dto := &MediaDTO{
		ID:          id,
		ProductID:   input.ProductID,
		Kind:        input.Kind,
		URL:         object.URL,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.products.WithTx(tx)
		if input.Kind == enums.MediaKindImage {
			image := &models.ProductImage{
				ID:          id,
				ProductID:   input.ProductID,
				GCSKey:      key,
				URL:         object.URL,
				ContentType: contentType,
				SizeBytes:   dto.SizeBytes,
				AltText:     trimmed(input.AltText),
			}
			if err := txRepo.AddImage(ctx, image); err != nil {
				return err
			}
			dto.Position, dto.IsPrimary = image.Position, image.IsPrimary
			return nil
		}
		video := &models.ProductVideo{
			ID:          id,
			ProductID:   input.ProductID,
			GCSKey:      key,
			URL:         object.URL,
			ContentType: contentType,
			SizeBytes:   dto.SizeBytes,
		}
		if err := txRepo.AddVideo(ctx, video); err != nil {
			return err
		}
		dto.Position = video.Position
		return nil
	})
	if err != nil {
		s.discard(ctx, key)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record media")
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"product_id":   input.ProductID.String(),
			"media_id":     id.String(),
			"content_type": contentType,
			"size_bytes":   dto.SizeBytes,
		}), "media.uploaded")
	}
	return dto, nil
}

func (s *service) Delete(ctx context.Context, productID, mediaID uuid.UUID) error {
	var key string
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.products.WithTx(tx)
		image, err := txRepo.FindImage(ctx, productID, mediaID)
		if err == nil {
			key = image.GCSKey
			return txRepo.DeleteImage(ctx, image)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		video, err := txRepo.FindVideo(ctx, productID, mediaID)
		if err != nil {
			return err
		}
		key = video.GCSKey
		return txRepo.DeleteVideo(ctx, video.ID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "media not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete media")
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete object")
	}
	return nil
}

// discard removes an object whose row could not be written.
func (s *service) discard(ctx context.Context, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.store.Delete(cleanupCtx, key); err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithField(ctx, "gcs_key", key), "media.orphan_cleanup_failed", err)
	}
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}
