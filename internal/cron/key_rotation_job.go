package cron

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

const defaultRotationBatch = 200

// maxRotationErrors caps how many row failures one run reports.
const maxRotationErrors = 20

type tokenRotator interface {
	ActivePrefix() string
	NeedsRotation(token string) bool
	Rotate(token string) (string, error)
}

// rotationTarget is a table whose listed columns hold fieldcrypt tokens.
type rotationTarget struct {
	table   string
	columns []string
}

var rotationTargets = []rotationTarget{
	{table: "users", columns: []string{"phone_cipher"}},
	{table: "addresses", columns: []string{"recipient_name_cipher", "line1_cipher", "line2_cipher", "phone_cipher"}},
	{table: "orders", columns: []string{"shipping_address_cipher"}},
}

type KeyRotationJobParams struct {
	Logger    *logger.Logger
	DB        *gorm.DB
	Tx        txRunner
	Keys      tokenRotator
	Metrics   *metrics.CronJobMetrics
	BatchSize int
}

// NewKeyRotationJob builds the job that re-seals PII written under retired
// keys with the active key. Rows are selected by token prefix, so an
// interrupted run picks up where it stopped.
func NewKeyRotationJob(params KeyRotationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil || params.Tx == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("field keyring required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRotationBatch
	}
	return &keyRotationJob{
		logg:    params.Logger,
		db:      params.DB,
		tx:      params.Tx,
		keys:    params.Keys,
		metrics: params.Metrics,
		batch:   batch,
		targets: rotationTargets,
	}, nil
}

type keyRotationJob struct {
	logg    *logger.Logger
	db      *gorm.DB
	tx      txRunner
	keys    tokenRotator
	metrics *metrics.CronJobMetrics
	batch   int
	targets []rotationTarget
}

func (j *keyRotationJob) Name() string { return JobPIIKeyRotation }

func (j *keyRotationJob) Run(ctx context.Context) error {
	var errs error
	for _, target := range j.targets {
		rotated, failed, err := j.rotateTable(ctx, target)
		j.metrics.AddItems(j.Name(), "rotated", rotated)
		j.metrics.AddItems(j.Name(), "failed", len(failed))
		for i, rowErr := range failed {
			if i == maxRotationErrors {
				errs = multierr.Append(errs, fmt.Errorf("%s: %d more rows failed", target.table, len(failed)-maxRotationErrors))
				break
			}
			errs = multierr.Append(errs, rowErr)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"table":   target.table,
			"rotated": rotated,
			"failed":  len(failed),
		}), "cron.key_rotation.table_done")
	}
	return errs
}

// rotateTable walks stale rows in id order. Rows that fail to rotate are
// skipped by the id cursor so one bad token cannot stall the table.
func (j *keyRotationJob) rotateTable(ctx context.Context, target rotationTarget) (int, []error, error) {
	stale := staleClause(target.columns)
	prefix := j.keys.ActivePrefix() + "%"
	args := make([]any, 0, len(target.columns))
	for range target.columns {
		args = append(args, prefix)
	}
	selectCols := append([]string{"id"}, target.columns...)

	var (
		rotated int
		failed  []error
		lastID  any
	)
	for {
		if err := ctx.Err(); err != nil {
			return rotated, failed, err
		}
		query := j.db.WithContext(ctx).Table(target.table).Select(selectCols).Where(stale, args...)
		if lastID != nil {
			query = query.Where("id > ?", lastID)
		}
		var rows []map[string]any
		if err := query.Order("id ASC").Limit(j.batch).Find(&rows).Error; err != nil {
			return rotated, failed, fmt.Errorf("scan %s: %w", target.table, err)
		}
		for _, row := range rows {
			lastID = row["id"]
			ok, err := j.rotateRow(ctx, target, row)
			if err != nil {
				failed = append(failed, fmt.Errorf("%s %v: %w", target.table, row["id"], err))
				continue
			}
			if ok {
				rotated++
			}
		}
		if len(rows) < j.batch {
			return rotated, failed, nil
		}
	}
}

// rotateRow rewrites every stale column of one row. The update is guarded on
// the old tokens, so a concurrent write wins.
func (j *keyRotationJob) rotateRow(ctx context.Context, target rotationTarget, row map[string]any) (bool, error) {
	updates := map[string]any{}
	guards := make([]string, 0, len(target.columns))
	guardArgs := make([]any, 0, len(target.columns))
	for _, col := range target.columns {
		token, ok := asString(row[col])
		if !ok || !j.keys.NeedsRotation(token) {
			continue
		}
		fresh, err := j.keys.Rotate(token)
		if err != nil {
			return false, fmt.Errorf("column %s: %w", col, err)
		}
		updates[col] = fresh
		guards = append(guards, col+" = ?")
		guardArgs = append(guardArgs, token)
	}
	if len(updates) == 0 {
		return false, nil
	}

	var affected int64
	err := j.tx.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Table(target.table).
			Where("id = ?", row["id"]).
			Where(strings.Join(guards, " AND "), guardArgs...).
			Updates(updates)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func staleClause(columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, fmt.Sprintf("(%s IS NOT NULL AND %s <> '' AND %s NOT LIKE ?)", col, col, col))
	}
	return strings.Join(parts, " OR ")
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, v != ""
	case []byte:
		return string(v), len(v) > 0
	case *string:
		if v == nil {
			return "", false
		}
		return *v, *v != ""
	default:
		return "", false
	}
}
