package pricing

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"printgate/internal/model"
	"printgate/internal/store"
)

// DefaultPriceList is created on first use when no default exists.
var DefaultPriceList = model.PriceList{
	Name:       "Standard",
	BWRate:     decimal.RequireFromString("0.05"),
	ColorRate:  decimal.RequireFromString("0.15"),
	DuplexRate: decimal.RequireFromString("0.04"),
	IsDefault:  true,
	Active:     true,
}

type Resolver struct {
	Store    *store.Store
	Defaults model.PriceList
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{Store: st, Defaults: DefaultPriceList}
}

func (r *Resolver) ResolvePrice(ctx context.Context, user model.User) (model.PriceList, error) {
	var out model.PriceList
	err := r.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		out, err = r.ResolvePriceTx(ctx, tx, user)
		return err
	})
	return out, err
}

// ResolvePriceTx resolves the price list for user: department list, then
// role list, then the default, which is created if missing. tx must be a
// write transaction.
func (r *Resolver) ResolvePriceTx(ctx context.Context, tx *sql.Tx, user model.User) (model.PriceList, error) {
	if user.DepartmentID != nil {
		p, ok, err := r.Store.PriceListForDepartment(ctx, tx, *user.DepartmentID)
		if err != nil || ok {
			return p, err
		}
	}
	if user.Role != "" {
		p, ok, err := r.Store.PriceListForRole(ctx, tx, user.Role)
		if err != nil || ok {
			return p, err
		}
	}
	p, ok, err := r.Store.DefaultPriceList(ctx, tx)
	if err != nil || ok {
		return p, err
	}
	defaults := r.Defaults
	if defaults.Name == "" {
		defaults = DefaultPriceList
	}
	if err := r.Store.InsertDefaultPriceList(ctx, tx, defaults); err != nil {
		return model.PriceList{}, err
	}
	p, ok, err = r.Store.DefaultPriceList(ctx, tx)
	if err != nil {
		return model.PriceList{}, err
	}
	if !ok {
		return model.PriceList{}, errors.New("default price list missing after insert")
	}
	return p, nil
}

// SelectPolicy returns the active policy that applies to user, preferring
// department scope, then role scope, then an unscoped policy. It returns
// nil when none applies.
func (r *Resolver) SelectPolicy(ctx context.Context, tx *sql.Tx, user model.User) (*model.PrintPolicy, error) {
	policies, err := r.Store.ListActivePolicies(ctx, tx)
	if err != nil {
		return nil, err
	}
	return MatchPolicy(user, policies), nil
}

func MatchPolicy(user model.User, policies []model.PrintPolicy) *model.PrintPolicy {
	var byRole, unscoped *model.PrintPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Active {
			continue
		}
		switch {
		case p.DepartmentID != nil:
			if user.DepartmentID != nil && *p.DepartmentID == *user.DepartmentID {
				return p
			}
		case p.Role != "":
			if byRole == nil && p.Role == user.Role {
				byRole = p
			}
		default:
			if unscoped == nil {
				unscoped = p
			}
		}
	}
	if byRole != nil {
		return byRole
	}
	return unscoped
}

// Quote is the priced form of a job's settings.
type Quote struct {
	Settings model.JobSettings
	Price    model.PriceList
	Policy   *model.PrintPolicy
	Cost     decimal.Decimal
}

// QuoteTx applies the user's policy to s and prices the result.
func (r *Resolver) QuoteTx(ctx context.Context, tx *sql.Tx, user model.User, s model.JobSettings) (Quote, error) {
	policy, err := r.SelectPolicy(ctx, tx, user)
	if err != nil {
		return Quote{}, err
	}
	s, err = ApplyPolicy(s, policy)
	if err != nil {
		return Quote{}, err
	}
	price, err := r.ResolvePriceTx(ctx, tx, user)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Settings: s, Price: price, Policy: policy, Cost: CalculateCost(s, price, policy)}, nil
}

func (q Quote) PolicyID() *int64 {
	if q.Policy == nil {
		return nil
	}
	id := q.Policy.ID
	return &id
}
