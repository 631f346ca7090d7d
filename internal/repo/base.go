package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// ErrInvalidCursor marks a pagination cursor that could not be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Base provides a shared foundation for domain repositories.
type Base struct {
	db *gorm.DB
}

// NewBase constructs a Base repository backed by the provided GORM connection.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the GORM connection bound to the supplied context (if any).
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Page is one keyset page of rows plus the cursor for the following page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Keyset orders query by (created_at, id) descending, applies the cursor bound
// and fetches one extra row so FinishPage can tell whether more rows exist.
// It returns the normalized page size.
func Keyset(query *gorm.DB, table string, params pagination.Params) (*gorm.DB, int, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor != nil {
		query = query.Where(
			fmt.Sprintf("(%[1]s.created_at < ?) OR (%[1]s.created_at = ? AND %[1]s.id < ?)", table),
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	query = query.
		Order(fmt.Sprintf("%s.created_at DESC", table)).
		Order(fmt.Sprintf("%s.id DESC", table)).
		Limit(limit + 1)
	return query, limit, nil
}

// FinishPage trims the buffer row and encodes the cursor from the last row kept.
func FinishPage[T any](rows []T, limit int, key func(T) pagination.Cursor) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	return Page[T]{
		Items:      rows,
		NextCursor: pagination.EncodeCursor(key(rows[len(rows)-1])),
	}
}
