package quota

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/store"
)

func newTestLedger(t *testing.T, balance string, quota int) (*Ledger, model.User) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var u model.User
	require.NoError(t, st.WithTx(ctx, false, func(tx *sql.Tx) error {
		u, err = st.CreateUser(ctx, tx, store.NewUser{Username: "alice", Password: "pw", Balance: decimal.RequireFromString(balance), QuotaLimit: quota})
		return err
	}))
	l := NewLedger(st)
	l.Now = func() time.Time { return time.Date(2026, 5, 17, 12, 0, 0, 0, time.UTC) }
	return l, u
}

func TestPeriodBounds(t *testing.T) {
	start, end := PeriodBounds(model.PeriodMonthly, time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestCanAfford(t *testing.T) {
	l, u := newTestLedger(t, "1.00", 100)
	ctx := context.Background()

	ok, err := l.CanAfford(ctx, u.ID, 10, decimal.RequireFromString("1.00"))
	require.NoError(t, err)
	assert.True(t, ok, "balance equal to cost is affordable")

	ok, err = l.CanAfford(ctx, u.ID, 10, decimal.RequireFromString("1.01"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CanAfford(ctx, u.ID, 101, decimal.Zero)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, apperr.Is(l.Afford(ctx, u.ID, 101, decimal.Zero), apperr.KindQuotaExceeded))
	assert.True(t, apperr.Is(l.Afford(ctx, u.ID, 1, decimal.NewFromInt(5)), apperr.KindInsufficientBalance))
}

func TestChargeDebitsAndRecordsUsage(t *testing.T) {
	l, u := newTestLedger(t, "1.00", 100)
	ctx := context.Background()

	after, err := l.Charge(ctx, Charge{UserID: u.ID, Pages: 10, Cost: decimal.RequireFromString("0.50")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.50", after.Balance.StringFixed(2))

	period, err := l.Current(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, period.PagesPrinted)
	assert.Equal(t, 10, period.BWPages)
	assert.Equal(t, 1, period.JobCount)
	assert.Equal(t, 100, period.PageLimit)

	_, err = l.Charge(ctx, Charge{UserID: u.ID, Pages: 91, Cost: decimal.Zero}, nil)
	assert.True(t, apperr.Is(err, apperr.KindQuotaExceeded))
}

func TestChargeRollsBackWhenCommitFails(t *testing.T) {
	l, u := newTestLedger(t, "1.00", 100)
	ctx := context.Background()

	boom := errors.New("transition lost")
	_, err := l.Charge(ctx, Charge{UserID: u.ID, Pages: 10, Cost: decimal.RequireFromString("0.50")}, func(tx *sql.Tx) error { return boom })
	assert.Equal(t, boom, err)

	require.NoError(t, l.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		got, err := l.Store.GetUserByID(ctx, tx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "1.00", got.Balance.StringFixed(2))
		return nil
	}))
	period, err := l.Current(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, period.PagesPrinted)
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	l, u := newTestLedger(t, "0.50", 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Charge(ctx, Charge{UserID: u.ID, Pages: 10, Cost: decimal.RequireFromString("0.50")}, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, refused := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case apperr.Is(err, apperr.KindInsufficientBalance):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)
}
