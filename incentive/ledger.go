/*
Package incentive tracks cashback-eligible actions per user.

PURPOSE:
  The Ledger records one claim per (user, incentive type), moves claims
  through admin verification and payout, and derives the cashback total
  that feeds the fee breakdown and the enrollment settlement.

CLAIM LIFECYCLE:
  pending ──▶ verified ──▶ processed
     │
     └──────▶ rejected   (kept for audit, excluded from totals)

CRITICAL INVARIANTS:
  1. At most one non-rejected claim per (user, type). RecordClaim is an
     atomic insert-if-absent; a replayed callback gets the existing claim
     back unchanged and no amount is ever added twice.
  2. Claims are never deleted. Rejection is a status.
  3. Amounts are fixed per type (50, 50, 100) and not caller-supplied.

TOTALS:
  TotalEligible sums verified + processed claims. It is derived on every
  call, never cached.

SEE ALSO:
  - coupon/issuer.go: Coupon issued alongside youtube_subscription claims
  - admission/machine.go: Settlement at enrollment
*/
package incentive

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store  domain.ClaimStore
	Audit  domain.AuditLog
	Clock  domain.Clock
	Logger *logger.Logger

	// tx is nil on ledgers already bound to a transaction view.
	tx domain.TxStore
}

// NewLedger builds a ledger over store. Pass a transactional store view to
// make claim writes part of a larger unit of work.
func NewLedger(store domain.Store, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewNop()
	}
	tx, _ := store.(domain.TxStore)
	return &Ledger{Store: store, Audit: store, Clock: domain.SystemClock(), Logger: log, tx: tx}
}

// WithStore returns a copy of the ledger writing through store, typically a
// transaction handle from domain.TxStore.WithTx.
func (l *Ledger) WithStore(store domain.Store) *Ledger {
	cp := *l
	cp.Store = store
	cp.Audit = store
	cp.tx = nil
	return &cp
}

// inTx runs fn against a ledger bound to one transaction, so a status change
// and its audit entry commit or roll back together.
func (l *Ledger) inTx(ctx context.Context, fn func(*Ledger) error) error {
	if l.tx == nil {
		return fn(l)
	}
	return l.tx.WithTx(ctx, func(s domain.Store) error {
		return fn(l.WithStore(s))
	})
}

// RecordClaim stores a pending claim for (userID, t) unless a non-rejected
// one already exists, in which case that claim is returned unchanged.
func (l *Ledger) RecordClaim(ctx context.Context, userID domain.UserID, t domain.IncentiveType, evidence domain.Evidence, couponCode string) (*domain.IncentiveClaim, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"user_id": "is required"}}
	}
	if !t.Valid() {
		return nil, &domain.ValidationError{Fields: map[string]string{"incentive_type": "unknown incentive type " + string(t)}}
	}

	now := l.Clock.Now()
	claim := &domain.IncentiveClaim{
		ID:         domain.ClaimID(domain.NewID(domain.PrefixClaim)),
		UserID:     userID,
		Type:       t,
		Amount:     t.Amount(),
		Status:     domain.ClaimPending,
		CouponCode: couponCode,
		Evidence:   evidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	stored, created, err := l.Store.InsertClaimIfAbsent(ctx, claim)
	if err != nil {
		return nil, errors.Wrapf(err, "record %s claim for %s", t, userID)
	}
	if created {
		l.Logger.Infow("incentive claim recorded", "claim_id", stored.ID, "user_id", userID, "type", t, "amount", stored.Amount.String())
	} else {
		l.Logger.Debugw("incentive claim already present", "claim_id", stored.ID, "user_id", userID, "type", t, "status", stored.Status)
	}
	return stored, nil
}

// Verify records the admin's verdict on a pending claim.
func (l *Ledger) Verify(ctx context.Context, id domain.ClaimID, outcome domain.ClaimStatus, actorID string) (*domain.IncentiveClaim, error) {
	if outcome != domain.ClaimVerified && outcome != domain.ClaimRejected {
		return nil, &domain.ValidationError{Fields: map[string]string{"outcome": "must be verified or rejected"}}
	}
	var claim *domain.IncentiveClaim
	err := l.inTx(ctx, func(tx *Ledger) error {
		var err error
		if claim, err = tx.transition(ctx, id, domain.ClaimPending, outcome); err != nil {
			return err
		}
		return tx.audit(ctx, actorID, domain.AuditClaimVerified, claim, map[string]any{"outcome": string(outcome)})
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Infow("incentive claim transitioned", "claim_id", id, "from", domain.ClaimPending, "to", outcome)
	return claim, nil
}

// MarkProcessed records that the cashback was paid out externally.
func (l *Ledger) MarkProcessed(ctx context.Context, id domain.ClaimID, actorID string) (*domain.IncentiveClaim, error) {
	var claim *domain.IncentiveClaim
	err := l.inTx(ctx, func(tx *Ledger) error {
		var err error
		if claim, err = tx.transition(ctx, id, domain.ClaimVerified, domain.ClaimProcessed); err != nil {
			return err
		}
		return tx.audit(ctx, actorID, domain.AuditClaimProcessed, claim, nil)
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Infow("incentive claim transitioned", "claim_id", id, "from", domain.ClaimVerified, "to", domain.ClaimProcessed)
	return claim, nil
}

func (l *Ledger) transition(ctx context.Context, id domain.ClaimID, from, to domain.ClaimStatus) (*domain.IncentiveClaim, error) {
	claim, err := l.Store.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.Status != from {
		return nil, &domain.InvalidTransitionError{
			Entity: "claim",
			ID:     string(id),
			From:   string(claim.Status),
			To:     string(to),
		}
	}

	now := l.Clock.Now()
	if err := l.Store.UpdateClaimStatus(ctx, id, from, to, now); err != nil {
		return nil, err
	}
	claim.Status = to
	claim.UpdatedAt = now
	return claim, nil
}

// Claims returns every claim recorded for userID, rejected ones included.
func (l *Ledger) Claims(ctx context.Context, userID domain.UserID) ([]domain.IncentiveClaim, error) {
	return l.Store.ListClaims(ctx, userID)
}

// TotalEligible sums verified and processed claims for userID.
func (l *Ledger) TotalEligible(ctx context.Context, userID domain.UserID) (decimal.Decimal, error) {
	claims, err := l.Store.ListClaims(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return EligibleTotal(claims), nil
}

// EligibleTotal sums the amounts of claims that count towards cashback.
func EligibleTotal(claims []domain.IncentiveClaim, exclude ...domain.IncentiveType) decimal.Decimal {
	eligible := lo.Filter(claims, func(c domain.IncentiveClaim, _ int) bool {
		return c.Status.Eligible() && !lo.Contains(exclude, c.Type)
	})
	return lo.Reduce(eligible, func(sum decimal.Decimal, c domain.IncentiveClaim, _ int) decimal.Decimal {
		return sum.Add(c.Amount)
	}, decimal.Zero)
}

func (l *Ledger) audit(ctx context.Context, actorID string, action domain.AuditAction, c *domain.IncentiveClaim, payload map[string]any) error {
	if l.Audit == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["user_id"] = string(c.UserID)
	payload["incentive_type"] = string(c.Type)
	entry := domain.AuditEntry{
		ID:        domain.NewID(domain.PrefixAudit),
		Timestamp: l.Clock.Now(),
		ActorID:   actorID,
		Action:    action,
		SubjectID: string(c.ID),
		Payload:   payload,
	}
	return errors.Wrapf(l.Audit.AppendAudit(ctx, entry), "audit %s for claim %s", action, c.ID)
}
