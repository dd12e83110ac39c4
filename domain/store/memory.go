// Package store provides an in-memory domain.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/warp/admission-engine/domain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements domain.TxStore. Every call holds the mutex for its whole
// duration, so insert-if-absent and compare-and-set are atomic here the same
// way a unique index makes them atomic in SQL.
type Memory struct {
	mu sync.Mutex
	st *state
}

type claimKey struct {
	UserID domain.UserID
	Type   domain.IncentiveType
}

type state struct {
	applicants   map[domain.ApplicantID]domain.Applicant
	scholarships map[domain.ApplicantID]domain.ScholarshipRecord
	claims       map[domain.ClaimID]domain.IncentiveClaim
	claimOrder   []domain.ClaimID
	coupons      map[string]domain.Coupon // by normalized code
	couponByPair map[claimKey]string
	users        map[domain.UserID]domain.User
	userByEmail  map[string]domain.UserID
	audit        []domain.AuditEntry
}

func newState() *state {
	return &state{
		applicants:   make(map[domain.ApplicantID]domain.Applicant),
		scholarships: make(map[domain.ApplicantID]domain.ScholarshipRecord),
		claims:       make(map[domain.ClaimID]domain.IncentiveClaim),
		coupons:      make(map[string]domain.Coupon),
		couponByPair: make(map[claimKey]string),
		users:        make(map[domain.UserID]domain.User),
		userByEmail:  make(map[string]domain.UserID),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ domain.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) locked(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.applicants {
		c.applicants[k] = v
	}
	for k, v := range s.scholarships {
		c.scholarships[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	c.claimOrder = append([]domain.ClaimID{}, s.claimOrder...)
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.couponByPair {
		c.couponByPair[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.userByEmail {
		c.userByEmail[k] = v
	}
	c.audit = append([]domain.AuditEntry{}, s.audit...)
	return c
}

// =============================================================================
// LOCKING WRAPPERS
// =============================================================================

func (m *Memory) CreateApplicant(ctx context.Context, a *domain.Applicant, s *domain.ScholarshipRecord) error {
	return m.locked(func(v *view) error { return v.CreateApplicant(ctx, a, s) })
}

func (m *Memory) GetApplicant(ctx context.Context, id domain.ApplicantID) (out *domain.Applicant, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetApplicant(ctx, id); return err })
	return out, err
}

func (m *Memory) ListApplicants(ctx context.Context, status domain.ApplicantStatus) (out []domain.Applicant, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListApplicants(ctx, status); return err })
	return out, err
}

func (m *Memory) UpdateApplicant(ctx context.Context, a *domain.Applicant, expected domain.ApplicantStatus) error {
	return m.locked(func(v *view) error { return v.UpdateApplicant(ctx, a, expected) })
}

func (m *Memory) GetScholarship(ctx context.Context, id domain.ApplicantID) (out *domain.ScholarshipRecord, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetScholarship(ctx, id); return err })
	return out, err
}

func (m *Memory) UpdateScholarship(ctx context.Context, r *domain.ScholarshipRecord, expected domain.VerificationStatus) error {
	return m.locked(func(v *view) error { return v.UpdateScholarship(ctx, r, expected) })
}

func (m *Memory) InsertClaimIfAbsent(ctx context.Context, c *domain.IncentiveClaim) (out *domain.IncentiveClaim, created bool, err error) {
	err = m.locked(func(v *view) error { out, created, err = v.InsertClaimIfAbsent(ctx, c); return err })
	return out, created, err
}

func (m *Memory) GetClaim(ctx context.Context, id domain.ClaimID) (out *domain.IncentiveClaim, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetClaim(ctx, id); return err })
	return out, err
}

func (m *Memory) ListClaims(ctx context.Context, userID domain.UserID) (out []domain.IncentiveClaim, err error) {
	err = m.locked(func(v *view) error { out, err = v.ListClaims(ctx, userID); return err })
	return out, err
}

func (m *Memory) UpdateClaimStatus(ctx context.Context, id domain.ClaimID, expected, next domain.ClaimStatus, at time.Time) error {
	return m.locked(func(v *view) error { return v.UpdateClaimStatus(ctx, id, expected, next, at) })
}

func (m *Memory) InsertCouponIfAbsent(ctx context.Context, c *domain.Coupon) (out *domain.Coupon, created bool, err error) {
	err = m.locked(func(v *view) error { out, created, err = v.InsertCouponIfAbsent(ctx, c); return err })
	return out, created, err
}

func (m *Memory) FindCoupon(ctx context.Context, userID domain.UserID, t domain.IncentiveType) (out *domain.Coupon, err error) {
	err = m.locked(func(v *view) error { out, err = v.FindCoupon(ctx, userID, t); return err })
	return out, err
}

func (m *Memory) GetCouponByCode(ctx context.Context, code string) (out *domain.Coupon, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetCouponByCode(ctx, code); return err })
	return out, err
}

func (m *Memory) CouponCodeExists(ctx context.Context, code string) (out bool, err error) {
	err = m.locked(func(v *view) error { out, err = v.CouponCodeExists(ctx, code); return err })
	return out, err
}

func (m *Memory) IncrementCouponUse(ctx context.Context, code string, expectedUsed int) error {
	return m.locked(func(v *view) error { return v.IncrementCouponUse(ctx, code, expectedUsed) })
}

func (m *Memory) UpsertUserByEmail(ctx context.Context, email, displayName string) (out *domain.User, err error) {
	err = m.locked(func(v *view) error { out, err = v.UpsertUserByEmail(ctx, email, displayName); return err })
	return out, err
}

func (m *Memory) GetUser(ctx context.Context, id domain.UserID) (out *domain.User, err error) {
	err = m.locked(func(v *view) error { out, err = v.GetUser(ctx, id); return err })
	return out, err
}

func (m *Memory) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	return m.locked(func(v *view) error { return v.AppendAudit(ctx, entry) })
}

func (m *Memory) QueryAudit(ctx context.Context, filter domain.AuditFilter) (out []domain.AuditEntry, err error) {
	err = m.locked(func(v *view) error { out, err = v.QueryAudit(ctx, filter); return err })
	return out, err
}

// =============================================================================
// VIEW - Unlocked operations; used directly inside WithTx
// =============================================================================

type view struct {
	st *state
}

func (v *view) CreateApplicant(_ context.Context, a *domain.Applicant, s *domain.ScholarshipRecord) error {
	if _, ok := v.st.applicants[a.ID]; ok {
		return &domain.ConflictError{Entity: "applicant", ID: string(a.ID)}
	}
	v.st.applicants[a.ID] = cloneApplicant(*a)
	if s != nil {
		v.st.scholarships[a.ID] = *s
	}
	return nil
}

func (v *view) GetApplicant(_ context.Context, id domain.ApplicantID) (*domain.Applicant, error) {
	a, ok := v.st.applicants[id]
	if !ok {
		return nil, domain.NotFound("applicant", string(id))
	}
	out := cloneApplicant(a)
	return &out, nil
}

func (v *view) ListApplicants(_ context.Context, status domain.ApplicantStatus) ([]domain.Applicant, error) {
	var out []domain.Applicant
	for _, a := range v.st.applicants {
		if status == "" || a.Status == status {
			out = append(out, cloneApplicant(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpdateApplicant(_ context.Context, a *domain.Applicant, expected domain.ApplicantStatus) error {
	cur, ok := v.st.applicants[a.ID]
	if !ok {
		return domain.NotFound("applicant", string(a.ID))
	}
	if cur.Status != expected {
		return &domain.ConflictError{Entity: "applicant", ID: string(a.ID)}
	}
	v.st.applicants[a.ID] = cloneApplicant(*a)
	return nil
}

func (v *view) GetScholarship(_ context.Context, id domain.ApplicantID) (*domain.ScholarshipRecord, error) {
	r, ok := v.st.scholarships[id]
	if !ok {
		return nil, domain.NotFound("scholarship", string(id))
	}
	return &r, nil
}

func (v *view) UpdateScholarship(_ context.Context, r *domain.ScholarshipRecord, expected domain.VerificationStatus) error {
	cur, ok := v.st.scholarships[r.ApplicantID]
	if !ok {
		return domain.NotFound("scholarship", string(r.ApplicantID))
	}
	if cur.VerificationStatus != expected {
		return &domain.ConflictError{Entity: "scholarship", ID: string(r.ApplicantID)}
	}
	v.st.scholarships[r.ApplicantID] = *r
	return nil
}

func (v *view) InsertClaimIfAbsent(_ context.Context, c *domain.IncentiveClaim) (*domain.IncentiveClaim, bool, error) {
	for _, id := range v.st.claimOrder {
		existing := v.st.claims[id]
		if existing.UserID == c.UserID && existing.Type == c.Type && existing.Status != domain.ClaimRejected {
			return &existing, false, nil
		}
	}
	v.st.claims[c.ID] = *c
	v.st.claimOrder = append(v.st.claimOrder, c.ID)
	out := *c
	return &out, true, nil
}

func (v *view) GetClaim(_ context.Context, id domain.ClaimID) (*domain.IncentiveClaim, error) {
	c, ok := v.st.claims[id]
	if !ok {
		return nil, domain.NotFound("claim", string(id))
	}
	return &c, nil
}

func (v *view) ListClaims(_ context.Context, userID domain.UserID) ([]domain.IncentiveClaim, error) {
	var out []domain.IncentiveClaim
	for _, id := range v.st.claimOrder {
		if c := v.st.claims[id]; c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v *view) UpdateClaimStatus(_ context.Context, id domain.ClaimID, expected, next domain.ClaimStatus, at time.Time) error {
	c, ok := v.st.claims[id]
	if !ok {
		return domain.NotFound("claim", string(id))
	}
	if c.Status != expected {
		return &domain.ConflictError{Entity: "claim", ID: string(id)}
	}
	c.Status = next
	c.UpdatedAt = at
	v.st.claims[id] = c
	return nil
}

func (v *view) InsertCouponIfAbsent(_ context.Context, c *domain.Coupon) (*domain.Coupon, bool, error) {
	k := claimKey{UserID: c.UserID, Type: c.IncentiveType}
	if code, ok := v.st.couponByPair[k]; ok {
		existing := v.st.coupons[code]
		return &existing, false, nil
	}
	code := domain.NormalizeCode(c.Code)
	if _, taken := v.st.coupons[code]; taken {
		return nil, false, domain.ErrCouponCodeTaken
	}
	v.st.coupons[code] = *c
	v.st.couponByPair[k] = code
	out := *c
	return &out, true, nil
}

func (v *view) FindCoupon(_ context.Context, userID domain.UserID, t domain.IncentiveType) (*domain.Coupon, error) {
	code, ok := v.st.couponByPair[claimKey{UserID: userID, Type: t}]
	if !ok {
		return nil, nil
	}
	c := v.st.coupons[code]
	return &c, nil
}

func (v *view) GetCouponByCode(_ context.Context, code string) (*domain.Coupon, error) {
	c, ok := v.st.coupons[domain.NormalizeCode(code)]
	if !ok {
		return nil, domain.NotFound("coupon", code)
	}
	return &c, nil
}

func (v *view) CouponCodeExists(_ context.Context, code string) (bool, error) {
	_, ok := v.st.coupons[domain.NormalizeCode(code)]
	return ok, nil
}

func (v *view) IncrementCouponUse(_ context.Context, code string, expectedUsed int) error {
	key := domain.NormalizeCode(code)
	c, ok := v.st.coupons[key]
	if !ok {
		return domain.NotFound("coupon", code)
	}
	if c.UsedCount != expectedUsed {
		return &domain.ConflictError{Entity: "coupon", ID: code}
	}
	c.UsedCount++
	v.st.coupons[key] = c
	return nil
}

func (v *view) UpsertUserByEmail(_ context.Context, email, displayName string) (*domain.User, error) {
	key := domain.NormalizeEmail(email)
	now := time.Now().UTC()
	if id, ok := v.st.userByEmail[key]; ok {
		u := v.st.users[id]
		if displayName != "" {
			u.DisplayName = displayName
		}
		u.UpdatedAt = now
		v.st.users[id] = u
		return &u, nil
	}
	u := domain.User{
		ID:          domain.UserID(domain.NewID(domain.PrefixUser)),
		Email:       key,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v.st.users[u.ID] = u
	v.st.userByEmail[key] = u.ID
	return &u, nil
}

func (v *view) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	u, ok := v.st.users[id]
	if !ok {
		return nil, domain.NotFound("user", string(id))
	}
	return &u, nil
}

func (v *view) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	v.st.audit = append(v.st.audit, entry)
	return nil
}

func (v *view) QueryAudit(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i := len(v.st.audit) - 1; i >= 0; i-- {
		e := v.st.audit[i]
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		if len(filter.Actions) > 0 && !lo.Contains(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func cloneApplicant(a domain.Applicant) domain.Applicant {
	if a.FeeSnapshot != nil {
		snap := *a.FeeSnapshot
		a.FeeSnapshot = &snap
	}
	return a
}
