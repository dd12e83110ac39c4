/*
store.go - Persistence contracts for the admission engine

PURPOSE:
  Defines the interface between the engine's services and the database.
  Implementations: store/sqlite (production) and domain/store (in-memory,
  for tests and local development).

IDEMPOTENCY PRIMITIVES:
  The engine never approximates "upsert" with read-then-write. Two store
  operations carry the idempotency guarantees:
  - InsertClaimIfAbsent: atomic find-or-create keyed by (user, type) over
    non-rejected claims.
  - InsertCouponIfAbsent: atomic find-or-create keyed by (user, type); a code
    collision with another pair is reported as ErrCouponCodeTaken.
  Both run inside WithTx when a coupon and its claim must appear together.

COMPARE-AND-SET:
  Status transitions are written with the status the caller read. If the
  persisted status has moved on, the write affects nothing and the store
  returns a ConflictError.

SEE ALSO:
  - store/sqlite/sqlite.go: Concrete implementation
  - domain/store/memory.go: In-memory implementation
*/
package domain

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCouponCodeTaken is returned when a generated code is already used by a
// different (user, type) pair. Issuers retry with a fresh code.
var ErrCouponCodeTaken = errors.New("coupon code already taken")

// =============================================================================
// STORES
// =============================================================================

type ApplicantStore interface {
	CreateApplicant(ctx context.Context, a *Applicant, s *ScholarshipRecord) error
	GetApplicant(ctx context.Context, id ApplicantID) (*Applicant, error)
	ListApplicants(ctx context.Context, status ApplicantStatus) ([]Applicant, error)

	// UpdateApplicant persists a transition. It succeeds only if the stored
	// status still equals expected.
	UpdateApplicant(ctx context.Context, a *Applicant, expected ApplicantStatus) error

	GetScholarship(ctx context.Context, id ApplicantID) (*ScholarshipRecord, error)
	UpdateScholarship(ctx context.Context, r *ScholarshipRecord, expected VerificationStatus) error
}

type ClaimStore interface {
	// InsertClaimIfAbsent stores c unless a non-rejected claim already exists
	// for (c.UserID, c.Type). It returns the stored claim and whether c was
	// inserted.
	InsertClaimIfAbsent(ctx context.Context, c *IncentiveClaim) (*IncentiveClaim, bool, error)
	GetClaim(ctx context.Context, id ClaimID) (*IncentiveClaim, error)
	ListClaims(ctx context.Context, userID UserID) ([]IncentiveClaim, error)
	UpdateClaimStatus(ctx context.Context, id ClaimID, expected, next ClaimStatus, at time.Time) error
}

type CouponStore interface {
	// InsertCouponIfAbsent stores c unless a coupon already exists for
	// (c.UserID, c.IncentiveType); returns the stored coupon and whether c
	// was inserted.
	InsertCouponIfAbsent(ctx context.Context, c *Coupon) (*Coupon, bool, error)
	FindCoupon(ctx context.Context, userID UserID, t IncentiveType) (*Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	CouponCodeExists(ctx context.Context, code string) (bool, error)

	// IncrementCouponUse bumps used_count if it still equals expectedUsed.
	IncrementCouponUse(ctx context.Context, code string, expectedUsed int) error
}

type UserStore interface {
	// UpsertUserByEmail creates the user for email or refreshes its display
	// name. Repeated calls with one email never create a second user.
	UpsertUserByEmail(ctx context.Context, email, displayName string) (*User, error)
	GetUser(ctx context.Context, id UserID) (*User, error)
}

// Store is everything the services read and write.
type Store interface {
	ApplicantStore
	ClaimStore
	CouponStore
	UserStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from state, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditApplicantSubmitted  AuditAction = "applicant_submitted"
	AuditReviewStarted       AuditAction = "review_started"
	AuditApplicantApproved   AuditAction = "applicant_approved"
	AuditApplicantRejected   AuditAction = "applicant_rejected"
	AuditScholarshipVerified AuditAction = "scholarship_verified"
	AuditEnrollmentConfirmed AuditAction = "enrollment_confirmed"
	AuditClaimVerified       AuditAction = "claim_verified"
	AuditClaimProcessed      AuditAction = "claim_processed"
	AuditCouponRedeemed      AuditAction = "coupon_redeemed"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    AuditAction    `json:"action"`
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type AuditFilter struct {
	SubjectID string
	Actions   []AuditAction
	Limit     int
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
