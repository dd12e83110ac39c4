/*
Package admission owns the applicant lifecycle.

STATES:
  new ──▶ under_review ──▶ approved ──▶ enrolled
   │            │
   │            └────────▶ rejected
   ├──────────────────────▶ approved   (review step is optional)
   └──────────────────────▶ rejected

  rejected and enrolled are terminal. Every other move fails with
  InvalidTransitionError naming the current and attempted status.

COMPARE-AND-SET:
  Each transition reads the applicant, checks the edge, and writes back
  conditioned on the status it read. Two concurrent Approve calls cannot both
  freeze a fee snapshot; the loser gets a ConflictError.

FEE SNAPSHOT:
  The breakdown is derived on demand (Quote) until approval freezes it onto
  the applicant. Nothing recomputes a frozen snapshot.

SETTLEMENT:
  ConfirmEnrollment merges the incentive ledger into the enrollment: the
  cashback is the ledger's eligible total, excluding any direct-payment
  bonus claim, plus the direct-payment bonus when the money came by direct
  transfer. The bonus claim, the settlement and the status change are one
  transaction.
*/
package admission

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/fee"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
)

// Notifier receives the "payment link required" signal raised on approval.
type Notifier interface {
	PaymentLinkRequired(ctx context.Context, a domain.Applicant) error
}

type Machine struct {
	Store    domain.TxStore
	Ledger   *incentive.Ledger
	Notifier Notifier
	Clock    domain.Clock
	Logger   *logger.Logger
}

func NewMachine(store domain.TxStore, ledger *incentive.Ledger, notifier Notifier, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Machine{
		Store:    store,
		Ledger:   ledger,
		Notifier: notifier,
		Clock:    domain.SystemClock(),
		Logger:   log,
	}
}

// =============================================================================
// INTAKE
// =============================================================================

// Submit validates the submission and creates the applicant in new, together
// with its pending scholarship record and the user it belongs to.
func (m *Machine) Submit(ctx context.Context, sub Submission) (*domain.Applicant, error) {
	sub.normalize()
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := m.Clock.Now()
	a := &domain.Applicant{
		ID:              domain.ApplicantID(domain.NewID(domain.PrefixApplicant)),
		Name:            sub.Name,
		Email:           domain.NormalizeEmail(sub.Email),
		Mobile:          sub.Mobile,
		Gender:          sub.Gender,
		School:          sub.School,
		Board:           sub.Board,
		Class:           sub.Class,
		CourseInterest:  sub.CourseInterest,
		BatchPreference: sub.BatchPreference,
		SourceCategory:  sub.SourceCategory,
		ReferrerName:    sub.ReferrerName,
		Status:          domain.StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if a.SourceCategory != domain.SourceFriendReferral {
		a.ReferrerName = ""
	}
	rec := fee.NewScholarshipRecord(a.ID, sub.IsGovernmentSchool, sub.YearsInGovernmentSchool, sub.IsLowIncome)
	rec.UpdatedAt = now

	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		user, err := tx.UpsertUserByEmail(ctx, a.Email, a.Name)
		if err != nil {
			return errors.Wrap(err, "resolve user")
		}
		a.UserID = user.ID
		if err := tx.CreateApplicant(ctx, a, rec); err != nil {
			return errors.Wrap(err, "create applicant")
		}
		return m.audit(ctx, tx, "applicant", domain.AuditApplicantSubmitted, string(a.ID), map[string]any{
			"user_id":                string(a.UserID),
			"scholarship_percentage": rec.Percentage,
		})
	})
	if err != nil {
		return nil, err
	}

	m.Logger.Infow("applicant submitted", "applicant_id", a.ID, "user_id", a.UserID, "scholarship_percentage", rec.Percentage)
	return a, nil
}

func (m *Machine) Get(ctx context.Context, id domain.ApplicantID) (*domain.Applicant, error) {
	return m.Store.GetApplicant(ctx, id)
}

func (m *Machine) List(ctx context.Context, status domain.ApplicantStatus) ([]domain.Applicant, error) {
	return m.Store.ListApplicants(ctx, status)
}

func (m *Machine) Scholarship(ctx context.Context, id domain.ApplicantID) (*domain.ScholarshipRecord, error) {
	return m.Store.GetScholarship(ctx, id)
}

// =============================================================================
// FEES
// =============================================================================

// Quote is what an admin enters when pricing an applicant.
type Quote struct {
	BaseFee       decimal.Decimal      `json:"base_fee"`
	DiscountType  domain.DiscountType  `json:"discount_type"`
	DiscountValue decimal.Decimal      `json:"discount_value"`
	PaymentScheme domain.PaymentScheme `json:"payment_scheme"`
}

// PreviewFee computes the breakdown for an applicant from its stored
// scholarship record and current eligible cashback. Nothing is persisted.
func (m *Machine) PreviewFee(ctx context.Context, id domain.ApplicantID, q Quote) (*domain.FeeBreakdown, error) {
	a, err := m.Store.GetApplicant(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := m.Store.GetScholarship(ctx, id)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}
	cashback := decimal.Zero
	if m.Ledger != nil && a.UserID != "" {
		if cashback, err = m.Ledger.TotalEligible(ctx, a.UserID); err != nil {
			return nil, err
		}
	}

	fb := fee.Compute(fee.InputFor(rec, fee.Input{
		BaseFee:       q.BaseFee,
		DiscountType:  q.DiscountType,
		DiscountValue: q.DiscountValue,
		PaymentScheme: q.PaymentScheme,
		TotalCashback: cashback,
	}))
	return &fb, nil
}

// =============================================================================
// ADMIN TRANSITIONS
// =============================================================================

// StartReview moves a new applicant to under_review.
func (m *Machine) StartReview(ctx context.Context, id domain.ApplicantID, actorID string) (*domain.Applicant, error) {
	return m.transition(ctx, id, domain.StatusUnderReview, actorID, domain.AuditReviewStarted, nil,
		func(a *domain.Applicant) error { return nil })
}

// Approve freezes the fee breakdown onto the applicant and raises the
// payment link signal. A nil breakdown is a PreconditionError.
func (m *Machine) Approve(ctx context.Context, id domain.ApplicantID, fb *domain.FeeBreakdown, actorID string) (*domain.Applicant, error) {
	if fb == nil {
		return nil, &domain.PreconditionError{Reason: "fee breakdown is required to approve"}
	}
	snapshot := *fb
	if snapshot.PaymentScheme == "" {
		snapshot.PaymentScheme = domain.SchemeFull
	}

	a, err := m.transition(ctx, id, domain.StatusApproved, actorID, domain.AuditApplicantApproved,
		map[string]any{
			"base_fee":       snapshot.BaseFee.String(),
			"final_fee":      snapshot.FinalFee.String(),
			"payment_scheme": string(snapshot.PaymentScheme),
		},
		func(a *domain.Applicant) error {
			a.AssignedFee = decimal.NewNullDecimal(snapshot.BaseFee)
			a.FinalFee = decimal.NewNullDecimal(snapshot.FinalFee)
			a.PaymentScheme = snapshot.PaymentScheme
			a.FeeSnapshot = &snapshot
			return nil
		})
	if err != nil {
		return nil, err
	}

	if m.Notifier != nil {
		if err := m.Notifier.PaymentLinkRequired(ctx, *a); err != nil {
			m.Logger.Errorw("payment link notification failed", "applicant_id", a.ID, "error", err)
		}
	}
	return a, nil
}

// Reject closes the application. Fee fields are left untouched.
func (m *Machine) Reject(ctx context.Context, id domain.ApplicantID, reason, actorID string) (*domain.Applicant, error) {
	reason = strings.TrimSpace(reason)
	return m.transition(ctx, id, domain.StatusRejected, actorID, domain.AuditApplicantRejected,
		map[string]any{"reason": reason},
		func(a *domain.Applicant) error {
			a.RejectionReason = reason
			return nil
		})
}

// VerifyScholarship records the admin's verdict on the scholarship claim.
func (m *Machine) VerifyScholarship(ctx context.Context, id domain.ApplicantID, outcome domain.VerificationStatus, actorID string) (*domain.ScholarshipRecord, error) {
	if outcome != domain.VerificationVerified && outcome != domain.VerificationRejected {
		return nil, &domain.ValidationError{Fields: map[string]string{"outcome": "must be verified or rejected"}}
	}

	var rec *domain.ScholarshipRecord
	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if rec, err = tx.GetScholarship(ctx, id); err != nil {
			return err
		}
		if rec.VerificationStatus != domain.VerificationPending {
			return &domain.InvalidTransitionError{
				Entity: "scholarship",
				ID:     string(id),
				From:   string(rec.VerificationStatus),
				To:     string(outcome),
			}
		}
		rec.VerificationStatus = outcome
		rec.UpdatedAt = m.Clock.Now()
		if err := tx.UpdateScholarship(ctx, rec, domain.VerificationPending); err != nil {
			return err
		}
		return m.audit(ctx, tx, actorID, domain.AuditScholarshipVerified, string(id), map[string]any{
			"outcome":    string(outcome),
			"percentage": rec.Percentage,
		})
	})
	if err != nil {
		return nil, err
	}

	m.Logger.Infow("scholarship verified", "applicant_id", id, "outcome", outcome, "percentage", rec.Percentage)
	return rec, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// ConfirmEnrollment moves an approved applicant to enrolled and settles the
// cashback owed to them.
func (m *Machine) ConfirmEnrollment(ctx context.Context, pc domain.PaymentConfirmation, actorID string) (*domain.Applicant, *domain.Settlement, error) {
	if err := validateConfirmation(&pc); err != nil {
		return nil, nil, err
	}
	if m.Ledger == nil {
		return nil, nil, errors.New("admission: enrollment requires an incentive ledger")
	}

	var (
		a          *domain.Applicant
		settlement *domain.Settlement
	)
	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if a, err = tx.GetApplicant(ctx, pc.ApplicantID); err != nil {
			return err
		}
		if err := checkTransition(a, domain.StatusEnrolled); err != nil {
			return err
		}
		if a.PaymentScheme != "" && pc.Scheme != a.PaymentScheme {
			return &domain.PreconditionError{Reason: "payment scheme " + string(pc.Scheme) + " does not match approved scheme " + string(a.PaymentScheme)}
		}

		ledger := m.Ledger.WithStore(tx)
		claims, err := ledger.Claims(ctx, a.UserID)
		if err != nil {
			return err
		}
		settlement = &domain.Settlement{
			ApplicantID: a.ID,
			UserID:      a.UserID,
			LedgerTotal: incentive.EligibleTotal(claims, domain.IncentiveDirectPaymentBonus),
			DirectBonus: decimal.Zero,
		}
		if pc.Method == domain.MethodDirectTransfer {
			bonus, err := ledger.RecordClaim(ctx, a.UserID, domain.IncentiveDirectPaymentBonus, domain.Evidence{UTR: pc.Reference}, "")
			if err != nil {
				return err
			}
			settlement.DirectBonus = bonus.Amount
		}
		settlement.TotalCashback = settlement.LedgerTotal.Add(settlement.DirectBonus)

		expected := a.Status
		a.Status = domain.StatusEnrolled
		a.CashbackTotal = decimal.NewNullDecimal(settlement.TotalCashback)
		a.PaymentMethod = pc.Method
		a.PaymentReference = pc.Reference
		a.UpdatedAt = m.Clock.Now()
		if err := tx.UpdateApplicant(ctx, a, expected); err != nil {
			return err
		}
		return m.audit(ctx, tx, actorID, domain.AuditEnrollmentConfirmed, string(a.ID), map[string]any{
			"method":         string(pc.Method),
			"reference":      pc.Reference,
			"amount":         pc.Amount.String(),
			"total_cashback": settlement.TotalCashback.String(),
		})
	})
	if err != nil {
		return nil, nil, err
	}

	m.Logger.Infow("enrollment confirmed",
		"applicant_id", a.ID,
		"method", pc.Method,
		"ledger_total", settlement.LedgerTotal.String(),
		"direct_bonus", settlement.DirectBonus.String(),
		"total_cashback", settlement.TotalCashback.String(),
	)
	return a, settlement, nil
}

func validateConfirmation(pc *domain.PaymentConfirmation) error {
	pc.Reference = strings.TrimSpace(pc.Reference)
	fields := map[string]string{}
	if pc.ApplicantID == "" {
		fields["applicant_id"] = "is required"
	}
	if pc.Scheme != domain.SchemeFull && pc.Scheme != domain.SchemeInstallment {
		fields["scheme"] = "must be full or installment"
	}
	switch pc.Method {
	case domain.MethodGateway:
	case domain.MethodDirectTransfer:
		if pc.Reference == "" {
			fields["reference"] = "UTR is required for direct transfers"
		}
	default:
		fields["method"] = "must be gateway or direct_transfer"
	}
	if pc.Amount.IsNegative() {
		fields["amount"] = "must not be negative"
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// transition runs the read/check/mutate/compare-and-set cycle for one edge.
func (m *Machine) transition(
	ctx context.Context,
	id domain.ApplicantID,
	to domain.ApplicantStatus,
	actorID string,
	action domain.AuditAction,
	payload map[string]any,
	mutate func(a *domain.Applicant) error,
) (*domain.Applicant, error) {
	var a *domain.Applicant
	err := m.Store.WithTx(ctx, func(tx domain.Store) error {
		var err error
		if a, err = tx.GetApplicant(ctx, id); err != nil {
			return err
		}
		if err := checkTransition(a, to); err != nil {
			return err
		}
		from := a.Status
		if err := mutate(a); err != nil {
			return err
		}
		a.Status = to
		a.UpdatedAt = m.Clock.Now()
		if err := tx.UpdateApplicant(ctx, a, from); err != nil {
			return err
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["from"] = string(from)
		return m.audit(ctx, tx, actorID, action, string(id), payload)
	})
	if err != nil {
		return nil, err
	}

	m.Logger.Infow("applicant transitioned", "applicant_id", id, "to", to, "actor", actorID)
	return a, nil
}

func (m *Machine) audit(ctx context.Context, log domain.AuditLog, actorID string, action domain.AuditAction, subjectID string, payload map[string]any) error {
	return log.AppendAudit(ctx, domain.AuditEntry{
		ID:        domain.NewID(domain.PrefixAudit),
		Timestamp: m.Clock.Now(),
		ActorID:   actorID,
		Action:    action,
		SubjectID: subjectID,
		Payload:   payload,
	})
}
