package quota

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/store"
)

// Ledger tracks per-period usage and owns the check-then-debit step of
// every release.
type Ledger struct {
	Store *store.Store
	Now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewLedger(st *store.Store) *Ledger {
	return &Ledger{Store: st, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// PeriodBounds returns the half-open period containing now. Only monthly
// periods are supported.
func PeriodBounds(periodType string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (l *Ledger) userLock(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = map[int64]*sync.Mutex{}
	}
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

func (l *Ledger) GetOrCreatePeriod(ctx context.Context, tx *sql.Tx, user model.User, periodType string, now time.Time) (model.QuotaPeriod, error) {
	if periodType == "" {
		periodType = model.PeriodMonthly
	}
	start, end := PeriodBounds(periodType, now)
	p, ok, err := l.Store.GetQuotaPeriod(ctx, tx, user.ID, periodType, start)
	if err != nil || ok {
		return p, err
	}
	err = l.Store.InsertQuotaPeriod(ctx, tx, model.QuotaPeriod{
		UserID:     user.ID,
		PeriodType: periodType,
		Start:      start,
		End:        end,
		PageLimit:  user.QuotaLimit,
	})
	if err != nil {
		return model.QuotaPeriod{}, err
	}
	p, ok, err = l.Store.GetQuotaPeriod(ctx, tx, user.ID, periodType, start)
	if err != nil {
		return model.QuotaPeriod{}, err
	}
	if !ok {
		return model.QuotaPeriod{}, apperr.New(apperr.KindNotFound, "quota period", "period for user %d missing after insert", user.ID)
	}
	return p, nil
}

// Current returns the user's ledger row for the current monthly period.
func (l *Ledger) Current(ctx context.Context, userID int64) (model.QuotaPeriod, error) {
	var out model.QuotaPeriod
	err := l.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		user, err := l.Store.GetUserByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		out, err = l.GetOrCreatePeriod(ctx, tx, user, model.PeriodMonthly, l.now())
		return err
	})
	return out, err
}

// CheckTx applies the quota and balance gate inside an existing transaction.
func (l *Ledger) CheckTx(ctx context.Context, tx *sql.Tx, user model.User, pages int, cost decimal.Decimal) (model.QuotaPeriod, error) {
	period, err := l.GetOrCreatePeriod(ctx, tx, user, model.PeriodMonthly, l.now())
	if err != nil {
		return model.QuotaPeriod{}, err
	}
	if period.PagesPrinted+pages > user.QuotaLimit {
		return period, apperr.New(apperr.KindQuotaExceeded, "quota", "%d pages would exceed the monthly quota of %d (%d used)", pages, user.QuotaLimit, period.PagesPrinted)
	}
	if user.Balance.LessThan(cost) {
		return period, apperr.New(apperr.KindInsufficientBalance, "quota", "cost %s exceeds balance %s", cost.StringFixed(2), user.Balance.StringFixed(2))
	}
	return period, nil
}

// CanAfford reports whether user could pay for pages at cost right now.
// The answer is advisory; Charge re-checks under the user's lock.
func (l *Ledger) CanAfford(ctx context.Context, userID int64, pages int, cost decimal.Decimal) (bool, error) {
	err := l.Afford(ctx, userID, pages, cost)
	if apperr.Is(err, apperr.KindQuotaExceeded) || apperr.Is(err, apperr.KindInsufficientBalance) {
		return false, nil
	}
	return err == nil, err
}

// Afford is CanAfford returning the typed reason for a refusal.
func (l *Ledger) Afford(ctx context.Context, userID int64, pages int, cost decimal.Decimal) error {
	return l.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		user, err := l.Store.GetUserByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = l.CheckTx(ctx, tx, user, pages, cost)
		return err
	})
}

func (l *Ledger) AddUsage(ctx context.Context, tx *sql.Tx, period model.QuotaPeriod, pages, colorPages int, cost decimal.Decimal) error {
	return l.Store.AddQuotaUsage(ctx, tx, period.ID, pages, colorPages, cost)
}

type Charge struct {
	UserID     int64
	Pages      int
	ColorPages int
	Cost       decimal.Decimal
}

// Charge re-checks affordability, debits the balance, records usage and
// runs commit in one transaction while holding the user's lock. If commit
// returns an error nothing is debited.
func (l *Ledger) Charge(ctx context.Context, c Charge, commit func(tx *sql.Tx) error) (model.User, error) {
	lock := l.userLock(c.UserID)
	lock.Lock()
	defer lock.Unlock()

	var out model.User
	err := l.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		user, err := l.Store.GetUserByID(ctx, tx, c.UserID)
		if err != nil {
			return err
		}
		period, err := l.CheckTx(ctx, tx, user, c.Pages, c.Cost)
		if err != nil {
			return err
		}
		user.Balance = user.Balance.Sub(c.Cost)
		if err := l.Store.SetUserBalance(ctx, tx, user.ID, user.Balance); err != nil {
			return err
		}
		if err := l.AddUsage(ctx, tx, period, c.Pages, c.ColorPages, c.Cost); err != nil {
			return err
		}
		if commit != nil {
			if err := commit(tx); err != nil {
				return err
			}
		}
		out = user
		return nil
	})
	return out, err
}
