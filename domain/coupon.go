package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Coupon is a redeemable discount code. A (user, incentive type) pair owns at
// most one coupon.
type Coupon struct {
	ID            string          `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	UserID        UserID          `db:"user_id" json:"user_id"`
	IncentiveType IncentiveType   `db:"incentive_type" json:"incentive_type"`
	DiscountType  DiscountType    `db:"discount_type" json:"discount_type"`
	DiscountValue decimal.Decimal `db:"discount_value" json:"discount_value"`
	ValidFrom     time.Time       `db:"valid_from" json:"valid_from"`
	ValidUntil    time.Time       `db:"valid_until" json:"valid_until"`
	MaxUses       int             `db:"max_uses" json:"max_uses"`
	UsedCount     int             `db:"used_count" json:"used_count"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// NormalizeCode is the form codes are compared in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeemable reports whether the coupon may be used at t.
func (c *Coupon) Redeemable(t time.Time) bool {
	return !t.Before(c.ValidFrom) && t.Before(c.ValidUntil) && c.UsedCount < c.MaxUses
}

// User is a local identity keyed by normalized email.
type User struct {
	ID          UserID    `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"display_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
