/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that are
  already shaped for the wire (Applicant, IncentiveClaim, Coupon,
  FeeBreakdown) are returned as-is; everything else goes through a type here.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request types carry validator tags. Handlers call validateRequest before
  touching a service, so services only see structurally valid input.

SEE ALSO:
  - handlers.go: Uses these types
  - admission/submission.go: Intake payload (validated by the machine)
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/domain"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// QuoteRequest prices an applicant. Used by approve and fee preview.
type QuoteRequest struct {
	BaseFee       decimal.Decimal      `json:"base_fee"`
	DiscountType  domain.DiscountType  `json:"discount_type" validate:"omitempty,oneof=none percentage fixed scholarship"`
	DiscountValue decimal.Decimal      `json:"discount_value"`
	PaymentScheme domain.PaymentScheme `json:"payment_scheme" validate:"omitempty,oneof=full installment"`
}

// RejectRequest carries the reason shown to the applicant.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// VerifyScholarshipRequest records the admin's document check.
type VerifyScholarshipRequest struct {
	Outcome domain.VerificationStatus `json:"outcome" validate:"required,oneof=verified rejected"`
}

// VerifyClaimRequest records the admin's evidence check.
type VerifyClaimRequest struct {
	Outcome domain.ClaimStatus `json:"outcome" validate:"required,oneof=verified rejected"`
}

// ClaimRequest records a manually evidenced incentive. YouTube claims come
// from the OAuth callback and the direct payment bonus from enrollment, so
// only follow-style incentives are accepted here.
type ClaimRequest struct {
	UserID     domain.UserID        `json:"user_id" validate:"required"`
	Type       domain.IncentiveType `json:"incentive_type" validate:"required,oneof=instagram_follow"`
	Evidence   domain.Evidence      `json:"evidence"`
	CouponCode string               `json:"coupon_code"`
}

// PaymentConfirmRequest is posted by the payment boundary.
type PaymentConfirmRequest struct {
	ApplicantID domain.ApplicantID   `json:"applicant_id" validate:"required"`
	Scheme      domain.PaymentScheme `json:"scheme" validate:"required,oneof=full installment"`
	Method      domain.PaymentMethod `json:"method" validate:"required,oneof=gateway direct_transfer"`
	Reference   string               `json:"reference" validate:"required_if=Method direct_transfer"`
	Amount      decimal.Decimal      `json:"amount"`
}

func (r PaymentConfirmRequest) confirmation() domain.PaymentConfirmation {
	return domain.PaymentConfirmation{
		ApplicantID: r.ApplicantID,
		Scheme:      r.Scheme,
		Method:      r.Method,
		Reference:   r.Reference,
		Amount:      r.Amount,
	}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ApplicantResponse is an applicant with its scholarship record.
type ApplicantResponse struct {
	*domain.Applicant
	Scholarship *domain.ScholarshipRecord `json:"scholarship,omitempty"`
}

// EnrollmentResponse is returned by payment confirmation.
type EnrollmentResponse struct {
	Applicant  *domain.Applicant  `json:"applicant"`
	Settlement *domain.Settlement `json:"settlement"`
}

// UserClaimsResponse lists a user's claims and what they are worth today.
type UserClaimsResponse struct {
	UserID        domain.UserID           `json:"user_id"`
	Claims        []domain.IncentiveClaim `json:"claims"`
	TotalEligible decimal.Decimal         `json:"total_eligible"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}
