package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/admission-engine/admission"
	"github.com/warp/admission-engine/domain"
	memstore "github.com/warp/admission-engine/domain/store"
	"github.com/warp/admission-engine/fee"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []domain.ApplicantID
	err   error
}

func (n *recordingNotifier) PaymentLinkRequired(_ context.Context, a domain.Applicant) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a.ID)
	return n.err
}

type fixture struct {
	machine  *admission.Machine
	ledger   *incentive.Ledger
	store    *memstore.Memory
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.NewMemory()
	ledger := incentive.NewLedger(store, logger.NewNop())
	ledger.Clock = domain.FixedClock{At: testNow}
	notifier := &recordingNotifier{}
	m := admission.NewMachine(store, ledger, notifier, logger.NewNop())
	m.Clock = domain.FixedClock{At: testNow}
	return &fixture{machine: m, ledger: ledger, store: store, notifier: notifier}
}

func validSubmission() admission.Submission {
	return admission.Submission{
		Name:            "Asha Rao",
		Email:           "Asha.Rao@Example.com",
		Mobile:          "9876543210",
		Gender:          "female",
		School:          "Govt High School",
		Board:           "state",
		Class:           "10",
		CourseInterest:  "neet",
		BatchPreference: "morning",
		SourceCategory:  domain.SourceSearch,
	}
}

func submit(t *testing.T, f *fixture) *domain.Applicant {
	t.Helper()
	a, err := f.machine.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	return a
}

func breakdown(base int64) *domain.FeeBreakdown {
	fb := fee.Compute(fee.Input{BaseFee: domain.Rupees(base), PaymentScheme: domain.SchemeFull})
	return &fb
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_CreatesNewApplicantWithUserAndScholarship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := validSubmission()
	sub.IsGovernmentSchool = true
	sub.YearsInGovernmentSchool = 3
	sub.IsLowIncome = true

	a, err := f.machine.Submit(ctx, sub)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusNew, a.Status)
	assert.Equal(t, "asha.rao@example.com", a.Email)
	assert.NotEmpty(t, a.UserID)
	assert.False(t, a.AssignedFee.Valid)

	rec, err := f.machine.Scholarship(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 95, rec.Percentage)
	assert.Equal(t, domain.VerificationPending, rec.VerificationStatus)

	user, err := f.store.GetUser(ctx, a.UserID)
	require.NoError(t, err)
	assert.Equal(t, "asha.rao@example.com", user.Email)
}

func TestSubmit_SameEmailReusesUser(t *testing.T) {
	f := newFixture(t)

	first := submit(t, f)
	sub := validSubmission()
	sub.Email = "  asha.rao@EXAMPLE.com "
	second, err := f.machine.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.UserID, second.UserID)
}

func TestSubmit_ReportsEveryViolatedField(t *testing.T) {
	// GIVEN: A submission missing several fields with a bad email and mobile
	// THEN: One ValidationError lists all of them

	f := newFixture(t)

	_, err := f.machine.Submit(context.Background(), admission.Submission{
		Name:           "Asha",
		Email:          "not-an-email",
		Mobile:         "5123456789",
		SourceCategory: domain.SourceFriendReferral,
	})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{
		"email", "mobile", "gender", "school", "board", "class",
		"course_interest", "batch_preference", "referrer_name",
	} {
		assert.Contains(t, verr.Fields, field)
	}
	assert.NotContains(t, verr.Fields, "name")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestSubmit_MobileRules(t *testing.T) {
	f := newFixture(t)

	cases := map[string]bool{
		"9876543210":  true,
		"6000000000":  true,
		"5876543210":  false,
		"987654321":   false,
		"98765432101": false,
		"98765abcde":  false,
	}
	for mobile, ok := range cases {
		sub := validSubmission()
		sub.Mobile = mobile
		_, err := f.machine.Submit(context.Background(), sub)
		if ok {
			assert.NoError(t, err, mobile)
			continue
		}
		var verr *domain.ValidationError
		if assert.ErrorAs(t, err, &verr, mobile) {
			assert.Contains(t, verr.Fields, "mobile")
		}
	}
}

func TestSubmit_ReferrerOnlyRequiredForFriendReferral(t *testing.T) {
	f := newFixture(t)

	sub := validSubmission()
	sub.SourceCategory = domain.SourceFriendReferral
	sub.ReferrerName = "Ravi"
	a, err := f.machine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "Ravi", a.ReferrerName)

	sub.SourceCategory = domain.SourceSocialMedia
	a, err = f.machine.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Empty(t, a.ReferrerName)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestTransitionTable(t *testing.T) {
	assert.Equal(t,
		[]domain.ApplicantStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusUnderReview},
		admission.ValidTransitionsFrom(domain.StatusNew))
	assert.Equal(t, []domain.ApplicantStatus{domain.StatusEnrolled}, admission.ValidTransitionsFrom(domain.StatusApproved))
	assert.Empty(t, admission.ValidTransitionsFrom(domain.StatusRejected))
	assert.Empty(t, admission.ValidTransitionsFrom(domain.StatusEnrolled))
	assert.False(t, admission.CanTransition(domain.StatusNew, domain.StatusEnrolled))
}

func TestApprove_FreezesSnapshotAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	fb := fee.Compute(fee.Input{
		BaseFee:       domain.Rupees(45000),
		DiscountType:  domain.DiscountPercentage,
		DiscountValue: domain.Rupees(10),
		PaymentScheme: domain.SchemeFull,
	})
	approved, err := f.machine.Approve(ctx, a.ID, &fb, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.True(t, approved.AssignedFee.Decimal.Equal(domain.Rupees(45000)))
	assert.True(t, approved.FinalFee.Decimal.Equal(domain.Rupees(40500)))
	assert.Equal(t, domain.SchemeFull, approved.PaymentScheme)
	require.NotNil(t, approved.FeeSnapshot)
	assert.True(t, approved.FeeSnapshot.Installment1.Equal(domain.Rupees(20250)))

	stored, err := f.machine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	assert.Equal(t, []domain.ApplicantID{a.ID}, f.notifier.calls)
}

func TestApprove_FromUnderReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	reviewed, err := f.machine.StartReview(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnderReview, reviewed.Status)

	_, err = f.machine.Approve(ctx, a.ID, breakdown(30000), "admin-1")
	require.NoError(t, err)
}

func TestApprove_NilBreakdownIsPrecondition(t *testing.T) {
	f := newFixture(t)
	a := submit(t, f)

	_, err := f.machine.Approve(context.Background(), a.ID, nil, "admin-1")
	var pre *domain.PreconditionError
	require.ErrorAs(t, err, &pre)

	stored, err := f.machine.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, stored.Status)
	assert.Empty(t, f.notifier.calls)
}

func TestApprove_OnEnrolledIsInvalidTransition(t *testing.T) {
	// GIVEN: An applicant already enrolled
	// WHEN: Approve is called again
	// THEN: InvalidTransitionError naming enrolled → approved

	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	_, err := f.machine.Approve(ctx, a.ID, breakdown(30000), "admin-1")
	require.NoError(t, err)
	_, _, err = f.machine.ConfirmEnrollment(ctx, domain.PaymentConfirmation{
		ApplicantID: a.ID, Scheme: domain.SchemeFull, Method: domain.MethodGateway, Reference: "pay_1",
	}, "gateway")
	require.NoError(t, err)

	_, err = f.machine.Approve(ctx, a.ID, breakdown(30000), "admin-1")
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "enrolled", transErr.From)
	assert.Equal(t, "approved", transErr.To)
}

func TestApprove_NotifierFailureDoesNotFailApproval(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	a := submit(t, f)

	approved, err := f.machine.Approve(context.Background(), a.ID, breakdown(30000), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
}

func TestApprove_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	a := submit(t, f)

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.machine.Approve(context.Background(), a.ID, breakdown(30000), "admin"); err == nil {
				atomic.AddInt32(&ok, 1)
			} else {
				assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConflict))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Len(t, f.notifier.calls, 1)
}

func TestReject_LeavesFeesUntouchedAndIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	rejected, err := f.machine.Reject(ctx, a.ID, " incomplete documents ", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, "incomplete documents", rejected.RejectionReason)
	assert.False(t, rejected.AssignedFee.Valid)
	assert.False(t, rejected.FinalFee.Valid)

	_, err = f.machine.StartReview(ctx, a.ID, "admin-1")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	_, err = f.machine.Approve(ctx, a.ID, breakdown(1000), "admin-1")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestConfirmEnrollment_RequiresApproved(t *testing.T) {
	f := newFixture(t)
	a := submit(t, f)

	_, _, err := f.machine.ConfirmEnrollment(context.Background(), domain.PaymentConfirmation{
		ApplicantID: a.ID, Scheme: domain.SchemeFull, Method: domain.MethodGateway,
	}, "gateway")

	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "new", transErr.From)
	assert.Equal(t, "enrolled", transErr.To)
}

func TestTransitions_UnknownApplicant(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.StartReview(context.Background(), "app_missing", "admin")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTransitions_AreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	_, err := f.machine.StartReview(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	_, err = f.machine.Reject(ctx, a.ID, "duplicate", "admin-2")
	require.NoError(t, err)

	entries, err := f.store.QueryAudit(ctx, domain.AuditFilter{SubjectID: string(a.ID)})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.AuditApplicantRejected, entries[0].Action)
	assert.Equal(t, "admin-2", entries[0].ActorID)
	assert.Equal(t, "under_review", entries[0].Payload["from"])
	assert.Equal(t, domain.AuditReviewStarted, entries[1].Action)
	assert.Equal(t, domain.AuditApplicantSubmitted, entries[2].Action)
}

// =============================================================================
// SCHOLARSHIP
// =============================================================================

func TestVerifyScholarship_UnlocksDiscountInPreview(t *testing.T) {
	// GIVEN: A 95% scholarship applicant with base fee 45000
	// WHEN: Previewing before and after verification
	// THEN: The discount applies only once verified

	f := newFixture(t)
	ctx := context.Background()

	sub := validSubmission()
	sub.IsGovernmentSchool = true
	sub.YearsInGovernmentSchool = 2
	sub.IsLowIncome = true
	a, err := f.machine.Submit(ctx, sub)
	require.NoError(t, err)

	quote := admission.Quote{
		BaseFee:       domain.Rupees(45000),
		DiscountType:  domain.DiscountScholarship,
		PaymentScheme: domain.SchemeFull,
	}
	before, err := f.machine.PreviewFee(ctx, a.ID, quote)
	require.NoError(t, err)
	assert.True(t, before.FinalFee.Equal(domain.Rupees(45000)))

	rec, err := f.machine.VerifyScholarship(ctx, a.ID, domain.VerificationVerified, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationVerified, rec.VerificationStatus)

	after, err := f.machine.PreviewFee(ctx, a.ID, quote)
	require.NoError(t, err)
	assert.True(t, after.DiscountAmount.Equal(domain.Rupees(42750)))
	assert.True(t, after.FinalFee.Equal(domain.Rupees(2250)))
	assert.True(t, after.Installment1.Equal(domain.Rupees(1125)))
	assert.True(t, after.Installment2.Equal(domain.Rupees(1125)))

	_, err = f.machine.VerifyScholarship(ctx, a.ID, domain.VerificationRejected, "admin-1")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "verdict is final")
}

func TestVerifyScholarship_RejectsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	a := submit(t, f)

	_, err := f.machine.VerifyScholarship(context.Background(), a.ID, domain.VerificationPending, "admin-1")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestPreviewFee_SurfacesEligibleCashback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f)

	claim, err := f.ledger.RecordClaim(ctx, a.UserID, domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)
	_, err = f.ledger.Verify(ctx, claim.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)

	fb, err := f.machine.PreviewFee(ctx, a.ID, admission.Quote{BaseFee: domain.Rupees(1000)})
	require.NoError(t, err)
	assert.True(t, fb.TotalCashback.Equal(domain.Rupees(50)))
	assert.True(t, fb.FinalFee.Equal(domain.Rupees(1000)))
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func approvedApplicant(t *testing.T, f *fixture) *domain.Applicant {
	t.Helper()
	a := submit(t, f)
	_, err := f.machine.Approve(context.Background(), a.ID, breakdown(30000), "admin-1")
	require.NoError(t, err)
	return a
}

func verifiedClaim(t *testing.T, f *fixture, userID domain.UserID, typ domain.IncentiveType) {
	t.Helper()
	ctx := context.Background()
	c, err := f.ledger.RecordClaim(ctx, userID, typ, domain.Evidence{}, "")
	require.NoError(t, err)
	_, err = f.ledger.Verify(ctx, c.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)
}

func TestConfirmEnrollment_GatewaySettlesLedgerTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := approvedApplicant(t, f)
	verifiedClaim(t, f, a.UserID, domain.IncentiveYouTubeSubscription)
	verifiedClaim(t, f, a.UserID, domain.IncentiveInstagramFollow)

	enrolled, settlement, err := f.machine.ConfirmEnrollment(ctx, domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      domain.SchemeFull,
		Method:      domain.MethodGateway,
		Reference:   "pay_123",
		Amount:      domain.Rupees(30000),
	}, "gateway")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusEnrolled, enrolled.Status)
	assert.True(t, settlement.LedgerTotal.Equal(domain.Rupees(100)))
	assert.True(t, settlement.DirectBonus.IsZero())
	assert.True(t, settlement.TotalCashback.Equal(domain.Rupees(100)))
	assert.True(t, enrolled.CashbackTotal.Decimal.Equal(domain.Rupees(100)))
	assert.Equal(t, "pay_123", enrolled.PaymentReference)

	claims, err := f.ledger.Claims(ctx, a.UserID)
	require.NoError(t, err)
	assert.Len(t, claims, 2, "no bonus claim for gateway payments")
}

func TestConfirmEnrollment_DirectTransferAddsBonusOnce(t *testing.T) {
	// GIVEN: An approved applicant with a verified youtube claim (50)
	// WHEN: Payment is confirmed by direct transfer
	// THEN: Cashback is 150 and a direct_payment_bonus claim carries the UTR

	f := newFixture(t)
	ctx := context.Background()
	a := approvedApplicant(t, f)
	verifiedClaim(t, f, a.UserID, domain.IncentiveYouTubeSubscription)

	_, settlement, err := f.machine.ConfirmEnrollment(ctx, domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      domain.SchemeFull,
		Method:      domain.MethodDirectTransfer,
		Reference:   "UTR0001",
	}, "admin-1")
	require.NoError(t, err)
	assert.True(t, settlement.TotalCashback.Equal(domain.Rupees(150)), "got %s", settlement.TotalCashback)

	claims, err := f.ledger.Claims(ctx, a.UserID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	bonus := claims[1]
	assert.Equal(t, domain.IncentiveDirectPaymentBonus, bonus.Type)
	assert.Equal(t, "UTR0001", bonus.UTR)
	assert.True(t, bonus.Amount.Equal(domain.Rupees(100)))
}

func TestConfirmEnrollment_VerifiedBonusClaimNotCountedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := approvedApplicant(t, f)
	verifiedClaim(t, f, a.UserID, domain.IncentiveDirectPaymentBonus)

	_, settlement, err := f.machine.ConfirmEnrollment(ctx, domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      domain.SchemeFull,
		Method:      domain.MethodDirectTransfer,
		Reference:   "UTR0002",
	}, "admin-1")
	require.NoError(t, err)
	assert.True(t, settlement.TotalCashback.Equal(domain.Rupees(100)))
}

func TestConfirmEnrollment_Validation(t *testing.T) {
	f := newFixture(t)
	a := approvedApplicant(t, f)

	_, _, err := f.machine.ConfirmEnrollment(context.Background(), domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      "weekly",
		Method:      domain.MethodDirectTransfer,
	}, "admin-1")

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "scheme")
	assert.Contains(t, verr.Fields, "reference")
}

func TestConfirmEnrollment_SchemeMustMatchApproval(t *testing.T) {
	f := newFixture(t)
	a := approvedApplicant(t, f)

	_, _, err := f.machine.ConfirmEnrollment(context.Background(), domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      domain.SchemeInstallment,
		Method:      domain.MethodGateway,
	}, "gateway")
	assert.True(t, errors.Is(err, domain.ErrPrecondition))

	stored, err := f.machine.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestConfirmEnrollment_FailedSettlementRollsBackBonus(t *testing.T) {
	// GIVEN: A direct-transfer confirmation whose scheme does not match
	// THEN: No bonus claim is left behind

	f := newFixture(t)
	ctx := context.Background()
	a := approvedApplicant(t, f)

	_, _, err := f.machine.ConfirmEnrollment(ctx, domain.PaymentConfirmation{
		ApplicantID: a.ID,
		Scheme:      domain.SchemeInstallment,
		Method:      domain.MethodDirectTransfer,
		Reference:   "UTR9",
	}, "admin-1")
	require.Error(t, err)

	claims, err := f.ledger.Claims(ctx, a.UserID)
	require.NoError(t, err)
	assert.Empty(t, claims)
}
