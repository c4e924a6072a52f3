package config

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/store"
)

// Seed is the pricing and printer inventory loaded from a YAML file:
//
//	price_lists:
//	  - name: Staff
//	    bw_rate: "0.04"
//	    color_rate: "0.12"
//	    duplex_rate: "0.03"
//	    role: admin
//	policies:
//	  - name: Large jobs
//	    max_pages_per_job: 200
//	    force_duplex_over_pages: 20
//	printers:
//	  - name: Lobby
//	    uri: ipp://lobby.example/ipp/print
type Seed struct {
	PriceLists []PriceListSeed `yaml:"price_lists"`
	Policies   []PolicySeed    `yaml:"policies"`
	Printers   []PrinterSeed   `yaml:"printers"`
}

type PriceListSeed struct {
	Name         string `yaml:"name"`
	BWRate       string `yaml:"bw_rate"`
	ColorRate    string `yaml:"color_rate"`
	DuplexRate   string `yaml:"duplex_rate"`
	Role         string `yaml:"role"`
	DepartmentID *int64 `yaml:"department_id"`
	Default      bool   `yaml:"default"`
}

type PolicySeed struct {
	Name                 string `yaml:"name"`
	ColorMultiplier      string `yaml:"color_multiplier"`
	BWMultiplier         string `yaml:"bw_multiplier"`
	MaxPagesPerJob       int    `yaml:"max_pages_per_job"`
	MaxCopies            int    `yaml:"max_copies"`
	ForceDuplexOverPages int    `yaml:"force_duplex_over_pages"`
	ForceBWOverPages     int    `yaml:"force_bw_over_pages"`
	Role                 string `yaml:"role"`
	DepartmentID         *int64 `yaml:"department_id"`
	Inactive             bool   `yaml:"inactive"`
}

type PrinterSeed struct {
	Name     string `yaml:"name"`
	URI      string `yaml:"uri"`
	Location string `yaml:"location"`
	Paused   bool   `yaml:"paused"`
	Default  bool   `yaml:"default"`
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, errors.Wrapf(err, "read seed %s", path)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, apperr.Wrap(apperr.KindValidation, "parse seed", err)
	}
	if _, _, err := seed.build(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) build() ([]model.PriceList, []model.PrintPolicy, error) {
	lists := make([]model.PriceList, 0, len(s.PriceLists))
	for i, p := range s.PriceLists {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "price list %d has no name", i+1)
		}
		bw, err := rate(p.BWRate, "0.05")
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "price list %q: bw_rate: %v", name, err)
		}
		color, err := rate(p.ColorRate, "0.15")
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "price list %q: color_rate: %v", name, err)
		}
		duplex, err := rate(p.DuplexRate, "0.04")
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "price list %q: duplex_rate: %v", name, err)
		}
		role, err := seedRole(p.Role)
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "price list %q: %v", name, err)
		}
		lists = append(lists, model.PriceList{
			Name:         name,
			BWRate:       bw,
			ColorRate:    color,
			DuplexRate:   duplex,
			Role:         role,
			DepartmentID: p.DepartmentID,
			IsDefault:    p.Default,
			Active:       true,
		})
	}

	policies := make([]model.PrintPolicy, 0, len(s.Policies))
	for i, p := range s.Policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "policy %d has no name", i+1)
		}
		colorMul, err := rate(p.ColorMultiplier, "1")
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "policy %q: color_multiplier: %v", name, err)
		}
		bwMul, err := rate(p.BWMultiplier, "1")
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "policy %q: bw_multiplier: %v", name, err)
		}
		role, err := seedRole(p.Role)
		if err != nil {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "policy %q: %v", name, err)
		}
		if p.MaxPagesPerJob < 0 || p.MaxCopies < 0 || p.ForceDuplexOverPages < 0 || p.ForceBWOverPages < 0 {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "policy %q: limits must not be negative", name)
		}
		maxCopies := p.MaxCopies
		if maxCopies == 0 {
			maxCopies = 10
		}
		policies = append(policies, model.PrintPolicy{
			Name:                 name,
			ColorMultiplier:      colorMul,
			BWMultiplier:         bwMul,
			MaxPagesPerJob:       p.MaxPagesPerJob,
			MaxCopies:            maxCopies,
			ForceDuplexOverPages: p.ForceDuplexOverPages,
			ForceBWOverPages:     p.ForceBWOverPages,
			DepartmentID:         p.DepartmentID,
			Role:                 role,
			Active:               !p.Inactive,
		})
	}

	for i, p := range s.Printers {
		if strings.TrimSpace(p.Name) == "" {
			return nil, nil, apperr.New(apperr.KindValidation, "seed", "printer %d has no name", i+1)
		}
	}
	return lists, policies, nil
}

// Apply writes the seed in one transaction. Price lists are matched by name
// and only created once; policies and printers are upserted.
func (s Seed) Apply(ctx context.Context, st *store.Store) error {
	lists, policies, err := s.build()
	if err != nil {
		return err
	}
	return st.WithTx(ctx, false, func(tx *sql.Tx) error {
		for _, p := range lists {
			if _, ok, err := st.PriceListByName(ctx, tx, p.Name); err != nil {
				return err
			} else if ok {
				continue
			}
			if _, err := st.CreatePriceList(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, p := range policies {
			if _, err := st.UpsertPolicy(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, p := range s.Printers {
			printer := model.Printer{
				Name:      strings.TrimSpace(p.Name),
				URI:       strings.TrimSpace(p.URI),
				Location:  p.Location,
				Accepting: !p.Paused,
				IsDefault: p.Default,
			}
			if _, err := st.UpsertPrinter(ctx, tx, printer); err != nil {
				return err
			}
		}
		return nil
	})
}

func rate(value, fallback string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Errorf("%s is negative", v)
	}
	return d, nil
}

func seedRole(value string) (model.Role, error) {
	switch model.Role(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case model.RoleUser:
		return model.RoleUser, nil
	case model.RoleAdmin:
		return model.RoleAdmin, nil
	}
	return "", errors.Errorf("unknown role %q", value)
}
