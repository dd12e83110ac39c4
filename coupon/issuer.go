/*
Package coupon mints and redeems discount codes tied to incentive claims.

CODE FORMAT:
  <PREFIX>-<6 upper-case alphanumerics>, e.g. YT-7QK2ZD. The prefix names the
  incentive (YT youtube_subscription, IG instagram_follow, DP
  direct_payment_bonus). Codes are compared case-insensitively.

IDEMPOTENCY:
  A (user, incentive type) pair owns at most one coupon. IssueOrGet returns
  the stored coupon verbatim when one exists. Fresh codes are checked for
  collisions before insert, and the store's unique code index settles any
  race that slips past the check.

REDEMPTION:
  Redeem enforces the validity window and the usage cap. The use counter is
  bumped with compare-and-set so two concurrent redemptions of a single-use
  coupon cannot both succeed. The increment and its audit entry share one
  transaction when the store supports it.
*/
package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
)

const (
	DefaultValidFor = 30 * 24 * time.Hour
	DefaultMaxUses  = 1

	suffixLength      = 6
	maxIssueAttempts  = 8
	maxRedeemAttempts = 3
)

var prefixes = map[domain.IncentiveType]string{
	domain.IncentiveYouTubeSubscription: "YT",
	domain.IncentiveInstagramFollow:     "IG",
	domain.IncentiveDirectPaymentBonus:  "DP",
}

var suffixCharset = append(append([]rune{}, lo.UpperCaseLettersCharset...), lo.NumbersCharset...)

// Prefix returns the code prefix for t, or "" for unknown types.
func Prefix(t domain.IncentiveType) string {
	return prefixes[t]
}

// GenerateCode returns a random code for t. It does not check uniqueness.
func GenerateCode(t domain.IncentiveType) string {
	return fmt.Sprintf("%s-%s", Prefix(t), lo.RandomString(suffixLength, suffixCharset))
}

// Discount is the value a coupon grants when redeemed.
type Discount struct {
	Type  domain.DiscountType
	Value decimal.Decimal
}

type Options struct {
	ValidFor  time.Duration
	MaxUses   int
	Discounts map[domain.IncentiveType]Discount
}

// DefaultOptions grants a fixed discount equal to the incentive's cashback.
func DefaultOptions() Options {
	discounts := make(map[domain.IncentiveType]Discount, len(domain.IncentiveTypes))
	for _, t := range domain.IncentiveTypes {
		discounts[t] = Discount{Type: domain.DiscountFixed, Value: t.Amount()}
	}
	return Options{ValidFor: DefaultValidFor, MaxUses: DefaultMaxUses, Discounts: discounts}
}

// =============================================================================
// ISSUER
// =============================================================================

type Issuer struct {
	Store   domain.CouponStore
	Audit   domain.AuditLog
	Clock   domain.Clock
	Logger  *logger.Logger
	Options Options

	// NewCode is swapped in tests to force collisions.
	NewCode func(domain.IncentiveType) string

	// tx is nil on issuers already bound to a transaction view.
	tx domain.TxStore
}

func NewIssuer(store domain.Store, opts Options, log *logger.Logger) *Issuer {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = DefaultValidFor
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = DefaultMaxUses
	}
	if opts.Discounts == nil {
		opts.Discounts = DefaultOptions().Discounts
	}
	tx, _ := store.(domain.TxStore)
	return &Issuer{
		Store:   store,
		Audit:   store,
		Clock:   domain.SystemClock(),
		Logger:  log,
		Options: opts,
		NewCode: GenerateCode,
		tx:      tx,
	}
}

// WithStore returns a copy of the issuer writing through store.
func (i *Issuer) WithStore(store domain.Store) *Issuer {
	cp := *i
	cp.Store = store
	cp.Audit = store
	cp.tx = nil
	return &cp
}

func (i *Issuer) inTx(ctx context.Context, fn func(*Issuer) error) error {
	if i.tx == nil {
		return fn(i)
	}
	return i.tx.WithTx(ctx, func(s domain.Store) error {
		return fn(i.WithStore(s))
	})
}

// IssueOrGet returns the coupon for (userID, t), minting one if needed.
func (i *Issuer) IssueOrGet(ctx context.Context, userID domain.UserID, t domain.IncentiveType) (*domain.Coupon, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"user_id": "is required"}}
	}
	if Prefix(t) == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"incentive_type": "no coupon for incentive type " + string(t)}}
	}

	existing, err := i.Store.FindCoupon(ctx, userID, t)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon for %s/%s", userID, t)
	}
	if existing != nil {
		return existing, nil
	}

	discount := i.Options.Discounts[t]
	if discount.Type == "" {
		discount = Discount{Type: domain.DiscountFixed, Value: t.Amount()}
	}

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		code := domain.NormalizeCode(i.NewCode(t))
		taken, err := i.Store.CouponCodeExists(ctx, code)
		if err != nil {
			return nil, errors.Wrap(err, "check coupon code")
		}
		if taken {
			i.Logger.Debugw("coupon code collision", "code", code, "attempt", attempt)
			continue
		}

		now := i.Clock.Now()
		c := &domain.Coupon{
			ID:            domain.NewID(domain.PrefixCoupon),
			Code:          code,
			UserID:        userID,
			IncentiveType: t,
			DiscountType:  discount.Type,
			DiscountValue: discount.Value,
			ValidFrom:     now,
			ValidUntil:    now.Add(i.Options.ValidFor),
			MaxUses:       i.Options.MaxUses,
			UsedCount:     0,
			CreatedAt:     now,
		}
		stored, created, err := i.Store.InsertCouponIfAbsent(ctx, c)
		if errors.Is(err, domain.ErrCouponCodeTaken) {
			i.Logger.Debugw("coupon code taken on insert", "code", code, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "insert coupon")
		}
		if created {
			i.Logger.Infow("coupon issued", "code", stored.Code, "user_id", userID, "type", t)
		}
		return stored, nil
	}
	return nil, errors.Newf("could not mint a unique %s coupon code after %d attempts", t, maxIssueAttempts)
}

// Redeem consumes one use of the coupon identified by code.
func (i *Issuer) Redeem(ctx context.Context, code, actorID string) (*domain.Coupon, error) {
	code = domain.NormalizeCode(code)
	if code == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"code": "is required"}}
	}

	for attempt := 1; ; attempt++ {
		var c *domain.Coupon
		err := i.inTx(ctx, func(tx *Issuer) error {
			var err error
			if c, err = tx.Store.GetCouponByCode(ctx, code); err != nil {
				return err
			}

			now := tx.Clock.Now()
			switch {
			case now.Before(c.ValidFrom):
				return &domain.PreconditionError{Reason: "coupon is not yet valid"}
			case !now.Before(c.ValidUntil):
				return &domain.PreconditionError{Reason: "coupon has expired"}
			case c.UsedCount >= c.MaxUses:
				return &domain.PreconditionError{Reason: "coupon has already been used"}
			}

			if err := tx.Store.IncrementCouponUse(ctx, code, c.UsedCount); err != nil {
				return err
			}
			c.UsedCount++
			return tx.audit(ctx, actorID, c)
		})
		if errors.Is(err, domain.ErrConflict) && attempt < maxRedeemAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		i.Logger.Infow("coupon redeemed", "code", code, "used_count", c.UsedCount)
		return c, nil
	}
}

func (i *Issuer) audit(ctx context.Context, actorID string, c *domain.Coupon) error {
	if i.Audit == nil {
		return nil
	}
	entry := domain.AuditEntry{
		ID:        domain.NewID(domain.PrefixAudit),
		Timestamp: i.Clock.Now(),
		ActorID:   actorID,
		Action:    domain.AuditCouponRedeemed,
		SubjectID: c.Code,
		Payload:   map[string]any{"user_id": string(c.UserID), "used_count": c.UsedCount},
	}
	return errors.Wrapf(i.Audit.AppendAudit(ctx, entry), "audit redemption of %s", c.Code)
}
