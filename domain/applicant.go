package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPLICANT STATUS
// =============================================================================

type ApplicantStatus string

const (
	StatusNew         ApplicantStatus = "new"
	StatusUnderReview ApplicantStatus = "under_review"
	StatusApproved    ApplicantStatus = "approved"
	StatusRejected    ApplicantStatus = "rejected"
	StatusEnrolled    ApplicantStatus = "enrolled"
)

// IsTerminal reports whether no further transition is possible.
func (s ApplicantStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusEnrolled
}

type PaymentScheme string

const (
	SchemeFull        PaymentScheme = "full"
	SchemeInstallment PaymentScheme = "installment"
)

type PaymentMethod string

const (
	MethodGateway        PaymentMethod = "gateway"
	MethodDirectTransfer PaymentMethod = "direct_transfer"
)

type SourceCategory string

const (
	SourceFriendReferral SourceCategory = "friend_referral"
	SourceSocialMedia    SourceCategory = "social_media"
	SourceSearch         SourceCategory = "search"
	SourceOther          SourceCategory = "other"
)

// =============================================================================
// APPLICANT
// =============================================================================

// Applicant is owned by the admission state machine. Rows are never deleted.
type Applicant struct {
	ID     ApplicantID `db:"id" json:"id"`
	UserID UserID      `db:"user_id" json:"user_id"`

	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
	Mobile string `db:"mobile" json:"mobile"`
	Gender string `db:"gender" json:"gender"`

	School          string         `db:"school" json:"school"`
	Board           string         `db:"board" json:"board"`
	Class           string         `db:"class" json:"class"`
	CourseInterest  string         `db:"course_interest" json:"course_interest"`
	BatchPreference string         `db:"batch_preference" json:"batch_preference"`
	SourceCategory  SourceCategory `db:"source_category" json:"source_category"`
	ReferrerName    string         `db:"referrer_name" json:"referrer_name,omitempty"`

	Status ApplicantStatus `db:"status" json:"status"`

	// Frozen at approval.
	AssignedFee   decimal.NullDecimal `db:"assigned_fee" json:"assigned_fee"`
	FinalFee      decimal.NullDecimal `db:"final_fee" json:"final_fee"`
	PaymentScheme PaymentScheme       `db:"payment_scheme" json:"payment_scheme,omitempty"`
	FeeSnapshot   *FeeBreakdown       `db:"-" json:"fee_snapshot,omitempty"`

	// Settled at enrollment.
	CashbackTotal    decimal.NullDecimal `db:"cashback_total" json:"cashback_total"`
	PaymentMethod    PaymentMethod       `db:"payment_method" json:"payment_method,omitempty"`
	PaymentReference string              `db:"payment_reference" json:"payment_reference,omitempty"`

	RejectionReason string `db:"rejection_reason" json:"rejection_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// =============================================================================
// SCHOLARSHIP
// =============================================================================

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// ScholarshipRecord is one-to-one with an applicant. The percentage is
// advisory until the record is verified.
type ScholarshipRecord struct {
	ApplicantID             ApplicantID        `db:"applicant_id" json:"applicant_id"`
	IsGovernmentSchool      bool               `db:"is_government_school" json:"is_government_school"`
	YearsInGovernmentSchool int                `db:"years_in_government_school" json:"years_in_government_school"`
	IsLowIncome             bool               `db:"is_low_income" json:"is_low_income"`
	Percentage              int                `db:"percentage" json:"scholarship_percentage"`
	VerificationStatus      VerificationStatus `db:"verification_status" json:"verification_status"`
	UpdatedAt               time.Time          `db:"updated_at" json:"updated_at"`
}

// Verified reports whether the percentage may be applied.
func (r *ScholarshipRecord) Verified() bool {
	return r != nil && r.VerificationStatus == VerificationVerified
}

// =============================================================================
// FEE BREAKDOWN
// =============================================================================

type DiscountType string

const (
	DiscountNone        DiscountType = "none"
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixed       DiscountType = "fixed"
	DiscountScholarship DiscountType = "scholarship"
)

// FeeBreakdown is computed fresh on every input change and persisted only as
// a snapshot at approval.
type FeeBreakdown struct {
	BaseFee        decimal.Decimal `json:"base_fee"`
	DiscountType   DiscountType    `json:"discount_type"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalFee       decimal.Decimal `json:"final_fee"`
	Installment1   decimal.Decimal `json:"installment1"`
	Installment2   decimal.Decimal `json:"installment2"`
	TotalCashback  decimal.Decimal `json:"total_cashback"`
	PaymentScheme  PaymentScheme   `json:"payment_scheme"`
}

// PaymentConfirmation is what the payment boundary hands to enrollment.
type PaymentConfirmation struct {
	ApplicantID ApplicantID     `json:"applicant_id"`
	Scheme      PaymentScheme   `json:"scheme"`
	Method      PaymentMethod   `json:"method"`
	Reference   string          `json:"reference"` // gateway payment id or UTR
	Amount      decimal.Decimal `json:"amount"`
}

// Settlement is the cashback figure attached to a confirmed enrollment.
type Settlement struct {
	ApplicantID   ApplicantID     `json:"applicant_id"`
	UserID        UserID          `json:"user_id"`
	LedgerTotal   decimal.Decimal `json:"ledger_total"`
	DirectBonus   decimal.Decimal `json:"direct_bonus"`
	TotalCashback decimal.Decimal `json:"total_cashback"`
}
