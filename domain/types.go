/*
Package domain holds the shared model of the admission engine.

PURPOSE:
  Types in this package are persisted or passed between the engine's
  components: applicants, scholarship records, incentive claims, coupons,
  local users and the fee breakdown snapshot. Services live in their own
  packages (fee, incentive, coupon, admission, subscription) and only
  depend on the types and store contracts defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: whole-rupee amounts backed by decimal.Decimal
  - Identifiers: type-safe, prefixed, k-sortable IDs
  - Clock: injectable time source so tests are deterministic

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every monetary value, never float64
  2. Type Safety: distinct ID types so a claim ID is never passed as a user ID
  3. No I/O: nothing in this package talks to a database or the network

SEE ALSO:
  - errors.go: Error taxonomy shared by all components
  - store.go: Persistence contracts
*/
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Rupees builds a whole-rupee amount.
func Rupees(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ApplicantID string
type UserID string
type ClaimID string

const (
	PrefixApplicant = "app"
	PrefixUser      = "usr"
	PrefixClaim     = "clm"
	PrefixCoupon    = "cpn"
	PrefixAudit     = "aud"
)

// NewID returns a k-sortable identifier with a type prefix, e.g. app_01J9...
func NewID(prefix string) string {
	id := ulid.Make().String()
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// NormalizeEmail is the key users are matched on.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
