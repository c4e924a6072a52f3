package pricing

import (
	"github.com/shopspring/decimal"

	"printgate/internal/apperr"
	"printgate/internal/model"
)

// Sheets is the number of physical sheets a job consumes. Duplex puts two
// logical pages on a sheet; odd totals round up.
func Sheets(pages, copies int, duplex bool) int {
	if pages < 0 || copies < 0 {
		return 0
	}
	sheets := pages * copies
	if duplex {
		sheets = (sheets + 1) / 2
	}
	return sheets
}

// Rate picks the per-page rate for the settings, scaled by the policy's
// multiplier for the colour mode.
func Rate(s model.JobSettings, price model.PriceList, policy *model.PrintPolicy) decimal.Decimal {
	var rate decimal.Decimal
	switch {
	case s.Duplex:
		rate = price.DuplexRate
	case s.ColorMode == model.ColorColor:
		rate = price.ColorRate
	default:
		rate = price.BWRate
	}
	if policy != nil {
		mult := policy.BWMultiplier
		if s.ColorMode == model.ColorColor {
			mult = policy.ColorMultiplier
		}
		rate = rate.Mul(mult)
	}
	return rate
}

// CalculateCost prices a job. It is deterministic and rounds half-up to
// two decimal places.
func CalculateCost(s model.JobSettings, price model.PriceList, policy *model.PrintPolicy) decimal.Decimal {
	sheets := decimal.NewFromInt(int64(Sheets(s.Pages, s.Copies, s.Duplex)))
	return Rate(s, price, policy).Mul(sheets).Round(2)
}

// ApplyPolicy enforces a policy's ceilings and forced settings. Ceiling
// violations are validation errors.
func ApplyPolicy(s model.JobSettings, policy *model.PrintPolicy) (model.JobSettings, error) {
	if policy == nil {
		return s, nil
	}
	if policy.MaxCopies > 0 && s.Copies > policy.MaxCopies {
		return s, apperr.New(apperr.KindValidation, "apply policy", "copies %d exceed the limit of %d", s.Copies, policy.MaxCopies)
	}
	if policy.MaxPagesPerJob > 0 && s.Pages > policy.MaxPagesPerJob {
		return s, apperr.New(apperr.KindValidation, "apply policy", "pages %d exceed the limit of %d", s.Pages, policy.MaxPagesPerJob)
	}
	if policy.ForceDuplexOverPages > 0 && s.Pages > policy.ForceDuplexOverPages {
		s.Duplex = true
	}
	if policy.ForceBWOverPages > 0 && s.Pages > policy.ForceBWOverPages {
		s.ColorMode = model.ColorBW
	}
	return s, nil
}
