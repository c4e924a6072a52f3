package pricing

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSheets(t *testing.T) {
	cases := []struct {
		pages, copies int
		duplex        bool
		want          int
	}{
		{5, 2, true, 5},
		{5, 1, true, 3},
		{5, 1, false, 5},
		{1, 1, true, 1},
		{4, 3, false, 12},
		{0, 3, true, 0},
	}
	for _, tc := range cases {
		if got := Sheets(tc.pages, tc.copies, tc.duplex); got != tc.want {
			t.Fatalf("Sheets(%d,%d,%v) = %d, want %d", tc.pages, tc.copies, tc.duplex, got, tc.want)
		}
	}
}

func TestCalculateCost(t *testing.T) {
	price := model.PriceList{BWRate: d("0.05"), ColorRate: d("0.15"), DuplexRate: d("0.04")}
	cases := []struct {
		name   string
		s      model.JobSettings
		policy *model.PrintPolicy
		want   string
	}{
		{"bw", model.JobSettings{Pages: 10, Copies: 1, ColorMode: model.ColorBW}, nil, "0.50"},
		{"color", model.JobSettings{Pages: 3, Copies: 2, ColorMode: model.ColorColor}, nil, "0.90"},
		{"duplex odd", model.JobSettings{Pages: 5, Copies: 1, ColorMode: model.ColorColor, Duplex: true}, nil, "0.12"},
		{"color multiplier", model.JobSettings{Pages: 3, Copies: 1, ColorMode: model.ColorColor},
			&model.PrintPolicy{ColorMultiplier: d("1.5"), BWMultiplier: d("1")}, "0.68"},
		{"bw multiplier on duplex rate", model.JobSettings{Pages: 4, Copies: 1, ColorMode: model.ColorBW, Duplex: true},
			&model.PrintPolicy{ColorMultiplier: d("2"), BWMultiplier: d("0.5")}, "0.04"},
		{"half up", model.JobSettings{Pages: 1, Copies: 1, ColorMode: model.ColorBW},
			&model.PrintPolicy{BWMultiplier: d("0.5")}, "0.03"},
		{"zero multiplier is free", model.JobSettings{Pages: 10, Copies: 1, ColorMode: model.ColorBW},
			&model.PrintPolicy{ColorMultiplier: d("1"), BWMultiplier: d("0")}, "0.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateCost(tc.s, price, tc.policy)
			assert.Equal(t, tc.want, got.StringFixed(2))
			again := CalculateCost(tc.s, price, tc.policy)
			assert.True(t, got.Equal(again))
		})
	}
}

func TestApplyPolicy(t *testing.T) {
	policy := &model.PrintPolicy{MaxCopies: 5, MaxPagesPerJob: 100, ForceDuplexOverPages: 10, ForceBWOverPages: 20}

	s, err := ApplyPolicy(model.JobSettings{Pages: 25, Copies: 1, ColorMode: model.ColorColor}, policy)
	require.NoError(t, err)
	assert.True(t, s.Duplex)
	assert.Equal(t, model.ColorBW, s.ColorMode)

	s, err = ApplyPolicy(model.JobSettings{Pages: 10, Copies: 1, ColorMode: model.ColorColor}, policy)
	require.NoError(t, err)
	assert.False(t, s.Duplex)
	assert.Equal(t, model.ColorColor, s.ColorMode)

	_, err = ApplyPolicy(model.JobSettings{Pages: 1, Copies: 6}, policy)
	assert.True(t, apperr.IsValidation(err))
	_, err = ApplyPolicy(model.JobSettings{Pages: 101, Copies: 1}, policy)
	assert.True(t, apperr.IsValidation(err))
}

func TestMatchPolicyOrder(t *testing.T) {
	dept := int64(3)
	other := int64(4)
	policies := []model.PrintPolicy{
		{ID: 1, Name: "all", Active: true},
		{ID: 2, Name: "staff", Role: model.RoleUser, Active: true},
		{ID: 3, Name: "other dept", DepartmentID: &other, Active: true},
		{ID: 4, Name: "dept", DepartmentID: &dept, Active: true},
		{ID: 5, Name: "inactive dept", DepartmentID: &dept, Active: false},
	}
	assert.Equal(t, int64(4), MatchPolicy(model.User{Role: model.RoleUser, DepartmentID: &dept}, policies).ID)
	assert.Equal(t, int64(2), MatchPolicy(model.User{Role: model.RoleUser}, policies).ID)
	assert.Equal(t, int64(1), MatchPolicy(model.User{Role: model.RoleAdmin}, policies).ID)
	assert.Nil(t, MatchPolicy(model.User{}, nil))
}

func TestResolvePriceOrder(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "pricing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	r := NewResolver(st)

	p, err := r.ResolvePrice(ctx, model.User{Role: model.RoleUser})
	require.NoError(t, err)
	assert.True(t, p.IsDefault)
	assert.Equal(t, "0.05", p.BWRate.StringFixed(2))

	again, err := r.ResolvePrice(ctx, model.User{Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	dept := int64(9)
	require.NoError(t, st.WithTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := st.CreatePriceList(ctx, tx, model.PriceList{Name: "staff", BWRate: d("0.04"), ColorRate: d("0.12"), DuplexRate: d("0.03"), Role: model.RoleUser, Active: true}); err != nil {
			return err
		}
		_, err := st.CreatePriceList(ctx, tx, model.PriceList{Name: "science", BWRate: d("0.02"), ColorRate: d("0.10"), DuplexRate: d("0.02"), DepartmentID: &dept, Active: true})
		return err
	}))

	p, err = r.ResolvePrice(ctx, model.User{Role: model.RoleUser, DepartmentID: &dept})
	require.NoError(t, err)
	assert.Equal(t, "science", p.Name)

	p, err = r.ResolvePrice(ctx, model.User{Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "staff", p.Name)

	p, err = r.ResolvePrice(ctx, model.User{Role: model.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, "Standard", p.Name)
}
