package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"printgate/internal/apperr"
	"printgate/internal/model"
)

const quotaColumns = `id, user_id, period_type, period_start, period_end, page_limit, cost_limit, pages_printed, color_pages, bw_pages, total_cost, job_count, updated_at`

func scanQuotaPeriod(row interface{ Scan(...interface{}) error }) (model.QuotaPeriod, error) {
	var q model.QuotaPeriod
	err := row.Scan(&q.ID, &q.UserID, &q.PeriodType, &q.Start, &q.End, &q.PageLimit, &q.CostLimit,
		&q.PagesPrinted, &q.ColorPages, &q.BWPages, &q.TotalCost, &q.JobCount, &q.UpdatedAt)
	return q, err
}

func (s *Store) GetQuotaPeriod(ctx context.Context, tx *sql.Tx, userID int64, periodType string, start time.Time) (model.QuotaPeriod, bool, error) {
	q, err := scanQuotaPeriod(tx.QueryRowContext(ctx, `
        SELECT `+quotaColumns+` FROM quota_periods
        WHERE user_id = ? AND period_type = ? AND period_start = ?
    `, userID, periodType, start.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.QuotaPeriod{}, false, nil
	}
	if err != nil {
		return model.QuotaPeriod{}, false, errors.Wrap(err, "select quota period")
	}
	return q, true, nil
}

// InsertQuotaPeriod creates the ledger row unless one already exists for
// the same user, period type and start.
func (s *Store) InsertQuotaPeriod(ctx context.Context, tx *sql.Tx, q model.QuotaPeriod) error {
	_, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO quota_periods (user_id, period_type, period_start, period_end, page_limit, cost_limit, total_cost, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '0', ?)
    `, q.UserID, q.PeriodType, q.Start.UTC(), q.End.UTC(), q.PageLimit, q.CostLimit, time.Now().UTC())
	return errors.Wrap(err, "insert quota period")
}

func (s *Store) AddQuotaUsage(ctx context.Context, tx *sql.Tx, periodID int64, pages, colorPages int, cost decimal.Decimal) error {
	var current decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT total_cost FROM quota_periods WHERE id = ?`, periodID).Scan(&current); err != nil {
		return notFound("quota usage", err)
	}
	bwPages := pages - colorPages
	if bwPages < 0 {
		return apperr.New(apperr.KindValidation, "quota usage", "color pages %d exceed pages %d", colorPages, pages)
	}
	_, err := tx.ExecContext(ctx, `
        UPDATE quota_periods
        SET pages_printed = pages_printed + ?,
            color_pages = color_pages + ?,
            bw_pages = bw_pages + ?,
            total_cost = ?,
            job_count = job_count + 1,
            updated_at = ?
        WHERE id = ?
    `, pages, colorPages, bwPages, current.Add(cost).StringFixed(2), time.Now().UTC(), periodID)
	return errors.Wrap(err, "update quota usage")
}
