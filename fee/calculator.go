/*
Package fee computes fee breakdowns.

PURPOSE:
  Compute turns admin inputs (base fee, discount source, payment scheme) into
  an itemized FeeBreakdown. It is a pure function: no I/O, no clock, no
  memory between calls. Identical inputs always produce identical output, so
  callers may invoke it on every input change.

RULES (applied in order):
  1. Discount amount by discount type:
       scholarship -> round(base * scholarshipPct / 100), only when verified
       percentage  -> round(base * value / 100)
       fixed       -> value, capped at base
       none        -> 0
  2. Installment scheme discards the discount entirely. Discounts apply only
     to a full single payment.
  3. finalFee = max(0, base - discount)
  4. installment1 = ceil(finalFee / 2), installment2 = finalFee - installment1
  5. totalCashback is copied through from the incentive ledger.

MALFORMED INPUT:
  Compute never fails. Negative amounts clamp to 0, percentages clamp to
  [0, 100], a fixed discount clamps to the base fee.

SEE ALSO:
  - scholarship.go: Derivation of the scholarship percentage at intake
*/
package fee

import (
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/domain"
)

var hundred = decimal.NewFromInt(100)

// Input is everything Compute depends on.
type Input struct {
	BaseFee               decimal.Decimal      `json:"base_fee"`
	DiscountType          domain.DiscountType  `json:"discount_type"`
	DiscountValue         decimal.Decimal      `json:"discount_value"`
	ScholarshipPercentage int                  `json:"scholarship_percentage"`
	ScholarshipVerified   bool                 `json:"scholarship_verified"`
	PaymentScheme         domain.PaymentScheme `json:"payment_scheme"`
	TotalCashback         decimal.Decimal      `json:"total_cashback"`
}

// Compute returns the itemized breakdown for in.
func Compute(in Input) domain.FeeBreakdown {
	base := nonNegative(in.BaseFee)
	scheme := in.PaymentScheme
	if scheme != domain.SchemeInstallment {
		scheme = domain.SchemeFull
	}
	discountType := in.DiscountType
	if discountType == "" {
		discountType = domain.DiscountNone
	}

	discount := Discount(base, discountType, in.DiscountValue, in.ScholarshipPercentage, in.ScholarshipVerified)

	// Installment payments never carry a discount.
	if scheme == domain.SchemeInstallment {
		discount = decimal.Zero
	}

	final := nonNegative(base.Sub(discount))
	first, second := SplitInstallments(final)

	return domain.FeeBreakdown{
		BaseFee:        base,
		DiscountType:   discountType,
		DiscountAmount: discount,
		FinalFee:       final,
		Installment1:   first,
		Installment2:   second,
		TotalCashback:  nonNegative(in.TotalCashback),
		PaymentScheme:  scheme,
	}
}

// Discount is the discount amount before the payment-scheme override.
func Discount(base decimal.Decimal, t domain.DiscountType, value decimal.Decimal, scholarshipPct int, scholarshipVerified bool) decimal.Decimal {
	base = nonNegative(base)

	switch t {
	case domain.DiscountScholarship:
		if !scholarshipVerified {
			return decimal.Zero
		}
		return percentOf(base, decimal.NewFromInt(int64(scholarshipPct)))
	case domain.DiscountPercentage:
		return percentOf(base, value)
	case domain.DiscountFixed:
		return decimal.Min(nonNegative(value), base)
	default:
		return decimal.Zero
	}
}

// SplitInstallments splits total into two payments with the first never
// smaller than the second.
func SplitInstallments(total decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	first := total.Div(decimal.NewFromInt(2)).Ceil()
	return first, total.Sub(first)
}

func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	pct = decimal.Min(decimal.Max(pct, decimal.Zero), hundred)
	return base.Mul(pct).Div(hundred).Round(0)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
