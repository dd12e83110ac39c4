package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type IncentiveType string

const (
	IncentiveYouTubeSubscription IncentiveType = "youtube_subscription"
	IncentiveInstagramFollow     IncentiveType = "instagram_follow"
	IncentiveDirectPaymentBonus  IncentiveType = "direct_payment_bonus"
)

// IncentiveTypes lists every known incentive.
var IncentiveTypes = []IncentiveType{
	IncentiveYouTubeSubscription,
	IncentiveInstagramFollow,
	IncentiveDirectPaymentBonus,
}

// Amount is the fixed cashback for the incentive.
func (t IncentiveType) Amount() decimal.Decimal {
	switch t {
	case IncentiveYouTubeSubscription, IncentiveInstagramFollow:
		return Rupees(50)
	case IncentiveDirectPaymentBonus:
		return Rupees(100)
	}
	return decimal.Zero
}

// Valid reports whether t is a known incentive.
func (t IncentiveType) Valid() bool {
	return t.Amount().IsPositive()
}

type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimVerified  ClaimStatus = "verified"
	ClaimRejected  ClaimStatus = "rejected"
	ClaimProcessed ClaimStatus = "processed"
)

// Eligible reports whether a claim in this status counts towards cashback.
func (s ClaimStatus) Eligible() bool {
	return s == ClaimVerified || s == ClaimProcessed
}

// Evidence backs a claim. Which fields are set depends on the incentive.
type Evidence struct {
	SubscriptionID string `db:"subscription_id" json:"subscription_id,omitempty"`
	ChannelID      string `db:"channel_id" json:"channel_id,omitempty"`
	Handle         string `db:"handle" json:"handle,omitempty"`
	UTR            string `db:"utr" json:"utr,omitempty"`
	ScreenshotRef  string `db:"screenshot_ref" json:"screenshot_ref,omitempty"`
}

// IncentiveClaim: at most one non-rejected claim per (user, type).
type IncentiveClaim struct {
	ID         ClaimID         `db:"id" json:"id"`
	UserID     UserID          `db:"user_id" json:"user_id"`
	Type       IncentiveType   `db:"incentive_type" json:"incentive_type"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Status     ClaimStatus     `db:"status" json:"status"`
	CouponCode string          `db:"coupon_code" json:"coupon_code,omitempty"`
	Evidence

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
