package incentive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/admission-engine/domain"
	memstore "github.com/warp/admission-engine/domain/store"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*incentive.Ledger, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	ledger := incentive.NewLedger(store, logger.NewNop())
	ledger.Clock = domain.FixedClock{At: testNow}
	return ledger, store
}

// auditFailStore fails every audit append, inside transactions too.
type auditFailStore struct{ *memstore.Memory }

func (s auditFailStore) AppendAudit(context.Context, domain.AuditEntry) error {
	return errors.New("audit down")
}

func (s auditFailStore) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx domain.Store) error { return fn(auditFailTx{tx}) })
}

type auditFailTx struct{ domain.Store }

func (auditFailTx) AppendAudit(context.Context, domain.AuditEntry) error {
	return errors.New("audit down")
}

// =============================================================================
// RECORD CLAIM
// =============================================================================

func TestLedger_RecordClaim_CreatesPendingClaimWithFixedAmount(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	cases := map[domain.IncentiveType]int64{
		domain.IncentiveYouTubeSubscription: 50,
		domain.IncentiveInstagramFollow:     50,
		domain.IncentiveDirectPaymentBonus:  100,
	}
	for typ, amount := range cases {
		claim, err := ledger.RecordClaim(ctx, "usr_1", typ, domain.Evidence{}, "")
		require.NoError(t, err)
		assert.Equal(t, domain.ClaimPending, claim.Status)
		assert.True(t, claim.Amount.Equal(domain.Rupees(amount)), "%s amount", typ)
		assert.Equal(t, testNow, claim.CreatedAt)
	}
}

func TestLedger_RecordClaim_Idempotent(t *testing.T) {
	// GIVEN: A user already has a pending youtube claim
	// WHEN: The same claim is recorded again (callback replay)
	// THEN: The original claim is returned and only one exists

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription,
		domain.Evidence{SubscriptionID: "sub-1"}, "YTABC123")
	require.NoError(t, err)

	second, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription,
		domain.Evidence{SubscriptionID: "sub-2"}, "YTZZZ999")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "sub-1", second.SubscriptionID, "existing evidence is kept")

	claims, err := ledger.Claims(ctx, "usr_1")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestLedger_RecordClaim_ConcurrentCallsCreateOneClaim(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]domain.ClaimID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveInstagramFollow, domain.Evidence{Handle: "@me"}, "")
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	claims, err := ledger.Claims(ctx, "usr_1")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestLedger_RecordClaim_AfterRejectionCreatesNewClaim(t *testing.T) {
	// GIVEN: A rejected claim for (user, type)
	// WHEN: The user claims again
	// THEN: A fresh pending claim is created; the rejected one stays for audit

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveInstagramFollow, domain.Evidence{Handle: "@me"}, "")
	require.NoError(t, err)
	_, err = ledger.Verify(ctx, first.ID, domain.ClaimRejected, "admin")
	require.NoError(t, err)

	second, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveInstagramFollow, domain.Evidence{Handle: "@me"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domain.ClaimPending, second.Status)

	claims, err := ledger.Claims(ctx, "usr_1")
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}

func TestLedger_RecordClaim_Validation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordClaim(ctx, "", domain.IncentiveInstagramFollow, domain.Evidence{}, "")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = ledger.RecordClaim(ctx, "usr_1", "tiktok_like", domain.Evidence{}, "")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestLedger_Verify_OnlyFromPending(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	claim, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)

	verified, err := ledger.Verify(ctx, claim.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimVerified, verified.Status)

	_, err = ledger.Verify(ctx, claim.ID, domain.ClaimRejected, "admin")
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "verified", transErr.From)
	assert.Equal(t, "rejected", transErr.To)
}

func TestLedger_Verify_RejectsUnknownOutcome(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	claim, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)

	_, err = ledger.Verify(ctx, claim.ID, domain.ClaimProcessed, "admin")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestLedger_MarkProcessed_RequiresVerified(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	claim, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)

	_, err = ledger.MarkProcessed(ctx, claim.ID, "admin")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "pending cannot be processed")

	_, err = ledger.Verify(ctx, claim.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)
	processed, err := ledger.MarkProcessed(ctx, claim.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimProcessed, processed.Status)

	_, err = ledger.MarkProcessed(ctx, claim.ID, "admin")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "processed is final")
}

func TestLedger_Verify_UnknownClaim(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Verify(context.Background(), "clm_missing", domain.ClaimVerified, "admin")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestLedger_Transitions_AreAudited(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	claim, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)
	_, err = ledger.Verify(ctx, claim.ID, domain.ClaimVerified, "admin-7")
	require.NoError(t, err)
	_, err = ledger.MarkProcessed(ctx, claim.ID, "admin-7")
	require.NoError(t, err)

	entries, err := store.QueryAudit(ctx, domain.AuditFilter{SubjectID: string(claim.ID)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditClaimProcessed, entries[0].Action)
	assert.Equal(t, domain.AuditClaimVerified, entries[1].Action)
	assert.Equal(t, "admin-7", entries[1].ActorID)
}

func TestLedger_Verify_RollsBackWhenAuditFails(t *testing.T) {
	// GIVEN: A pending claim and an audit log that refuses writes
	// WHEN: An admin verifies the claim, then tries to mark it processed
	// THEN: Both calls fail and the claim keeps its previous status

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	claim, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveInstagramFollow, domain.Evidence{Handle: "@asha"}, "")
	require.NoError(t, err)

	failing := incentive.NewLedger(auditFailStore{store}, logger.NewNop())
	_, err = failing.Verify(ctx, claim.ID, domain.ClaimVerified, "admin-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit down")

	got, err := store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimPending, got.Status)

	_, err = ledger.Verify(ctx, claim.ID, domain.ClaimVerified, "admin-7")
	require.NoError(t, err)
	_, err = failing.MarkProcessed(ctx, claim.ID, "admin-7")
	require.Error(t, err)

	got, err = store.GetClaim(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimVerified, got.Status)

	total, err := ledger.TotalEligible(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, total.Equal(domain.Rupees(50)))
}

// =============================================================================
// TOTALS
// =============================================================================

func TestLedger_TotalEligible_CountsVerifiedAndProcessedOnly(t *testing.T) {
	// GIVEN: youtube verified (50), instagram pending (50), direct bonus processed (100)
	// THEN: Total is 150

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	yt, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveYouTubeSubscription, domain.Evidence{}, "")
	require.NoError(t, err)
	_, err = ledger.RecordClaim(ctx, "usr_1", domain.IncentiveInstagramFollow, domain.Evidence{}, "")
	require.NoError(t, err)
	dp, err := ledger.RecordClaim(ctx, "usr_1", domain.IncentiveDirectPaymentBonus, domain.Evidence{UTR: "UTR1"}, "")
	require.NoError(t, err)

	_, err = ledger.Verify(ctx, yt.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)
	_, err = ledger.Verify(ctx, dp.ID, domain.ClaimVerified, "admin")
	require.NoError(t, err)
	_, err = ledger.MarkProcessed(ctx, dp.ID, "admin")
	require.NoError(t, err)

	total, err := ledger.TotalEligible(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, total.Equal(domain.Rupees(150)), "got %s", total)

	other, err := ledger.TotalEligible(ctx, "usr_2")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestEligibleTotal_Exclude(t *testing.T) {
	claims := []domain.IncentiveClaim{
		{Type: domain.IncentiveYouTubeSubscription, Amount: domain.Rupees(50), Status: domain.ClaimVerified},
		{Type: domain.IncentiveDirectPaymentBonus, Amount: domain.Rupees(100), Status: domain.ClaimVerified},
		{Type: domain.IncentiveInstagramFollow, Amount: domain.Rupees(50), Status: domain.ClaimRejected},
	}

	assert.True(t, incentive.EligibleTotal(claims).Equal(domain.Rupees(150)))
	assert.True(t, incentive.EligibleTotal(claims, domain.IncentiveDirectPaymentBonus).Equal(domain.Rupees(50)))
}
