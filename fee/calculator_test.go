package fee_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/fee"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func rs(v int64) decimal.Decimal { return domain.Rupees(v) }

func assertAmount(t *testing.T, want int64, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, rs(want).Equal(got), "%s: want %d, got %s", field, want, got)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCompute_VerifiedScholarship_FullPayment(t *testing.T) {
	// GIVEN: base 45000, 95% scholarship, verified, full payment
	// WHEN: computing the fee
	// THEN: 42750 off, 2250 final, split 1125/1125

	b := fee.Compute(fee.Input{
		BaseFee:               rs(45000),
		DiscountType:          domain.DiscountScholarship,
		ScholarshipPercentage: 95,
		ScholarshipVerified:   true,
		PaymentScheme:         domain.SchemeFull,
	})

	assertAmount(t, 42750, b.DiscountAmount, "discount")
	assertAmount(t, 2250, b.FinalFee, "final")
	assertAmount(t, 1125, b.Installment1, "installment1")
	assertAmount(t, 1125, b.Installment2, "installment2")
}

func TestCompute_VerifiedScholarship_InstallmentDiscardsDiscount(t *testing.T) {
	// GIVEN: the same inputs but the installment scheme
	// THEN: no discount survives, 22500/22500 split

	b := fee.Compute(fee.Input{
		BaseFee:               rs(45000),
		DiscountType:          domain.DiscountScholarship,
		ScholarshipPercentage: 95,
		ScholarshipVerified:   true,
		PaymentScheme:         domain.SchemeInstallment,
	})

	assertAmount(t, 0, b.DiscountAmount, "discount")
	assertAmount(t, 45000, b.FinalFee, "final")
	assertAmount(t, 22500, b.Installment1, "installment1")
	assertAmount(t, 22500, b.Installment2, "installment2")
	assert.Equal(t, domain.SchemeInstallment, b.PaymentScheme)
}

func TestCompute_UnverifiedScholarship_NoDiscount(t *testing.T) {
	b := fee.Compute(fee.Input{
		BaseFee:               rs(45000),
		DiscountType:          domain.DiscountScholarship,
		ScholarshipPercentage: 50,
		ScholarshipVerified:   false,
	})

	assertAmount(t, 0, b.DiscountAmount, "discount")
	assertAmount(t, 45000, b.FinalFee, "final")
	assert.Equal(t, domain.SchemeFull, b.PaymentScheme, "empty scheme defaults to full")
}

func TestCompute_PercentageRounds(t *testing.T) {
	// 12.5% of 999 = 124.875 -> 125
	b := fee.Compute(fee.Input{
		BaseFee:       rs(999),
		DiscountType:  domain.DiscountPercentage,
		DiscountValue: decimal.RequireFromString("12.5"),
	})

	assertAmount(t, 125, b.DiscountAmount, "discount")
	assertAmount(t, 874, b.FinalFee, "final")
	assertAmount(t, 437, b.Installment1, "installment1")
	assertAmount(t, 437, b.Installment2, "installment2")
}

func TestCompute_OddFinalFee_FirstInstallmentLarger(t *testing.T) {
	b := fee.Compute(fee.Input{
		BaseFee:       rs(10001),
		DiscountType:  domain.DiscountNone,
		PaymentScheme: domain.SchemeFull,
	})

	assertAmount(t, 5001, b.Installment1, "installment1")
	assertAmount(t, 5000, b.Installment2, "installment2")
}

func TestCompute_FixedDiscountCappedAtBase(t *testing.T) {
	b := fee.Compute(fee.Input{
		BaseFee:       rs(3000),
		DiscountType:  domain.DiscountFixed,
		DiscountValue: rs(5000),
	})

	assertAmount(t, 3000, b.DiscountAmount, "discount")
	assertAmount(t, 0, b.FinalFee, "final")
	assertAmount(t, 0, b.Installment1, "installment1")
	assertAmount(t, 0, b.Installment2, "installment2")
}

func TestCompute_MalformedInputClamps(t *testing.T) {
	tests := []struct {
		name         string
		in           fee.Input
		wantDiscount int64
		wantFinal    int64
	}{
		{
			name:      "negative base",
			in:        fee.Input{BaseFee: rs(-500), DiscountType: domain.DiscountFixed, DiscountValue: rs(100)},
			wantFinal: 0,
		},
		{
			name:      "negative fixed discount",
			in:        fee.Input{BaseFee: rs(1000), DiscountType: domain.DiscountFixed, DiscountValue: rs(-100)},
			wantFinal: 1000,
		},
		{
			name:         "percentage above 100",
			in:           fee.Input{BaseFee: rs(1000), DiscountType: domain.DiscountPercentage, DiscountValue: rs(150)},
			wantDiscount: 1000,
			wantFinal:    0,
		},
		{
			name:      "unknown discount type",
			in:        fee.Input{BaseFee: rs(1000), DiscountType: "mystery", DiscountValue: rs(100)},
			wantFinal: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fee.Compute(tt.in)
			assertAmount(t, tt.wantDiscount, b.DiscountAmount, "discount")
			assertAmount(t, tt.wantFinal, b.FinalFee, "final")
		})
	}
}

func TestCompute_CashbackCopiedThrough(t *testing.T) {
	b := fee.Compute(fee.Input{BaseFee: rs(45000), TotalCashback: rs(150)})
	assertAmount(t, 150, b.TotalCashback, "cashback")
	assertAmount(t, 45000, b.FinalFee, "final")
}

// =============================================================================
// PROPERTIES
// =============================================================================

func propertyInputs() []fee.Input {
	bases := []int64{0, 1, 2, 999, 1000, 10001, 45000, 99999}
	types := []domain.DiscountType{domain.DiscountNone, domain.DiscountPercentage, domain.DiscountFixed, domain.DiscountScholarship}
	values := []int64{0, 7, 33, 50, 100, 2500}
	schemes := []domain.PaymentScheme{domain.SchemeFull, domain.SchemeInstallment}

	var out []fee.Input
	for _, b := range bases {
		for _, dt := range types {
			for _, v := range values {
				for _, s := range schemes {
					for _, pct := range []int{0, 50, 95} {
						out = append(out, fee.Input{
							BaseFee:               rs(b),
							DiscountType:          dt,
							DiscountValue:         rs(v),
							ScholarshipPercentage: pct,
							ScholarshipVerified:   v%2 == 0,
							PaymentScheme:         s,
						})
					}
				}
			}
		}
	}
	return out
}

func TestCompute_IsPure(t *testing.T) {
	for _, in := range propertyInputs() {
		first, err := json.Marshal(fee.Compute(in))
		require.NoError(t, err)
		second, err := json.Marshal(fee.Compute(in))
		require.NoError(t, err)
		require.Equal(t, string(first), string(second))
	}
}

func TestCompute_InstallmentsSumToFinal(t *testing.T) {
	one := decimal.NewFromInt(1)
	for _, in := range propertyInputs() {
		b := fee.Compute(in)
		require.True(t, b.Installment1.Add(b.Installment2).Equal(b.FinalFee), "%+v", in)

		diff := b.Installment1.Sub(b.Installment2)
		require.True(t, diff.IsZero() || diff.Equal(one), "installment1 - installment2 = %s for %+v", diff, in)
	}
}

func TestCompute_InstallmentSchemeNeverDiscounts(t *testing.T) {
	for _, in := range propertyInputs() {
		if in.PaymentScheme != domain.SchemeInstallment {
			continue
		}
		b := fee.Compute(in)
		require.True(t, b.DiscountAmount.IsZero(), "%+v", in)
		require.True(t, b.FinalFee.Equal(in.BaseFee), "%+v", in)
	}
}

func TestCompute_FinalNeverNegative(t *testing.T) {
	for _, in := range propertyInputs() {
		b := fee.Compute(in)
		require.False(t, b.FinalFee.IsNegative(), "%+v", in)
		require.False(t, b.DiscountAmount.GreaterThan(b.BaseFee), "%+v", in)
	}
}

// =============================================================================
// SCHOLARSHIP DERIVATION
// =============================================================================

func TestScholarshipPercentage(t *testing.T) {
	tests := []struct {
		gov       bool
		years     int
		lowIncome bool
		want      int
	}{
		{true, 2, true, 95},
		{true, 5, true, 95},
		{true, 2, false, 50},
		{true, 1, true, 0},
		{false, 10, true, 0},
		{false, 0, false, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fee.ScholarshipPercentage(tt.gov, tt.years, tt.lowIncome),
			"gov=%v years=%d lowIncome=%v", tt.gov, tt.years, tt.lowIncome)
	}
}

func TestInputFor_UsesStoredRecord(t *testing.T) {
	rec := fee.NewScholarshipRecord("app-1", true, 3, true)
	in := fee.InputFor(rec, fee.Input{ScholarshipPercentage: 10, ScholarshipVerified: true})
	assert.Equal(t, 95, in.ScholarshipPercentage)
	assert.False(t, in.ScholarshipVerified, "pending record is not verified")

	rec.VerificationStatus = domain.VerificationVerified
	in = fee.InputFor(rec, fee.Input{})
	assert.True(t, in.ScholarshipVerified)
}
