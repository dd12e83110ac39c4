/*
handlers.go - HTTP API handlers for the admission engine

PURPOSE:
  Exposes the admission engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the services (admission machine,
  incentive ledger, coupon issuer, subscription workflow).

ENDPOINTS:
  Applications:
    POST   /api/applications                        Submit intake form
    GET    /api/applications?status=               List applicants
    GET    /api/applications/{id}                   Applicant with scholarship
    GET    /api/applications/{id}/fee-preview       Breakdown for a quote
    POST   /api/fees/preview                        Pure fee computation

  Admin (X-Admin-Token):
    POST   /api/admin/applications/{id}/review      new -> under_review
    POST   /api/admin/applications/{id}/approve     Freeze fee snapshot
    POST   /api/admin/applications/{id}/reject      Reject with reason
    POST   /api/admin/applications/{id}/scholarship Verify documents
    POST   /api/admin/claims/{id}/verify            Verify or reject a claim
    POST   /api/admin/claims/{id}/processed         Mark cashback paid
    POST   /api/admin/payments/confirm              Confirm enrollment
    GET    /api/admin/audit                         Audit entries

  Incentives:
    POST   /api/claims                              Record a follow claim
    GET    /api/users/{id}/claims                   Claims and eligible total
    POST   /api/coupons/{code}/redeem               Redeem a coupon

  OAuth:
    GET    /oauth/youtube/start?redirect=           Begin, sets session cookie
    GET    /oauth/youtube/callback                  Always 302

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on DTOs)
  3. Call the service
  4. Serialize response
  5. Map errors via domain.HTTPStatus / domain.ErrorCode

ERROR HANDLING:
  - 400: Validation errors, failed preconditions
  - 403: Missing or wrong admin token
  - 404: Resource not found
  - 409: Invalid transition, concurrent modification
  - 502: Provider failures
  - 500: Internal errors (message hidden)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/admission-engine/admission"
	"github.com/warp/admission-engine/coupon"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/fee"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
	"github.com/warp/admission-engine/subscription"
)

const (
	// SessionCookie carries the OAuth session id between start and callback.
	SessionCookie = "yt_oauth_session"

	// ActorHeader names the admin performing an action, for the audit log.
	ActorHeader  = "X-Actor-ID"
	defaultActor = "admin"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Machine  *admission.Machine
	Ledger   *incentive.Ledger
	Issuer   *coupon.Issuer
	Audit    domain.AuditLog
	Workflow *subscription.Workflow // nil when OAuth is not configured
	Logger   *logger.Logger

	// CookieSecure marks the session cookie Secure (HTTPS deployments).
	CookieSecure bool
}

// NewHandler creates a new handler. workflow may be nil.
func NewHandler(
	machine *admission.Machine,
	ledger *incentive.Ledger,
	issuer *coupon.Issuer,
	audit domain.AuditLog,
	workflow *subscription.Workflow,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Machine:  machine,
		Ledger:   ledger,
		Issuer:   issuer,
		Audit:    audit,
		Workflow: workflow,
		Logger:   log,
	}
}

// =============================================================================
// APPLICATION HANDLERS
// =============================================================================

// SubmitApplication creates an applicant from the intake form.
// POST /api/applications
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var sub admission.Submission
	if err := decodeJSON(r, &sub); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Machine.Submit(r.Context(), sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, _ := h.Machine.Scholarship(r.Context(), a.ID)
	writeJSON(w, http.StatusCreated, ApplicantResponse{Applicant: a, Scholarship: rec})
}

// ListApplications returns applicants, optionally filtered by status.
// GET /api/applications?status=
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	status := domain.ApplicantStatus(r.URL.Query().Get("status"))
	if status != "" && !lo.Contains(allStatuses, status) {
		h.writeError(w, r, &domain.ValidationError{Fields: map[string]string{"status": "is not a recognised value"}})
		return
	}
	applicants, err := h.Machine.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if applicants == nil {
		applicants = []domain.Applicant{}
	}
	writeJSON(w, http.StatusOK, applicants)
}

// GetApplication returns one applicant with its scholarship record.
// GET /api/applications/{id}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id := domain.ApplicantID(chi.URLParam(r, "id"))
	a, err := h.Machine.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.Machine.Scholarship(r.Context(), id)
	if err != nil && !domain.IsNotFound(err) {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplicantResponse{Applicant: a, Scholarship: rec})
}

// PreviewApplicantFee computes the breakdown for an applicant without
// persisting it.
// GET /api/applications/{id}/fee-preview?base_fee=&discount_type=&discount_value=&payment_scheme=
func (h *Handler) PreviewApplicantFee(w http.ResponseWriter, r *http.Request) {
	q, err := quoteFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fb, err := h.Machine.PreviewFee(r.Context(), domain.ApplicantID(chi.URLParam(r, "id")), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

// PreviewFee is the pure calculator. Nothing is read or written.
// POST /api/fees/preview
func (h *Handler) PreviewFee(w http.ResponseWriter, r *http.Request) {
	var in fee.Input
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if in.ScholarshipPercentage < 0 || in.ScholarshipPercentage > 100 {
		h.writeError(w, r, &domain.ValidationError{Fields: map[string]string{"scholarship_percentage": "must be between 0 and 100"}})
		return
	}
	writeJSON(w, http.StatusOK, fee.Compute(in))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// StartReview moves a new applicant into review.
// POST /api/admin/applications/{id}/review
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	a, err := h.Machine.StartReview(r.Context(), domain.ApplicantID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ApproveApplication prices the applicant from the quote and freezes the
// breakdown.
// POST /api/admin/applications/{id}/approve
func (h *Handler) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	id := domain.ApplicantID(chi.URLParam(r, "id"))

	fb, err := h.Machine.PreviewFee(ctx, id, admission.Quote(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Machine.Approve(ctx, id, fb, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RejectApplication rejects an applicant.
// POST /api/admin/applications/{id}/reject
func (h *Handler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.Machine.Reject(r.Context(), domain.ApplicantID(chi.URLParam(r, "id")), req.Reason, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// VerifyScholarship records the outcome of the document check.
// POST /api/admin/applications/{id}/scholarship
func (h *Handler) VerifyScholarship(w http.ResponseWriter, r *http.Request) {
	var req VerifyScholarshipRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.Machine.VerifyScholarship(r.Context(), domain.ApplicantID(chi.URLParam(r, "id")), req.Outcome, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// VerifyClaim verifies or rejects a pending claim.
// POST /api/admin/claims/{id}/verify
func (h *Handler) VerifyClaim(w http.ResponseWriter, r *http.Request) {
	var req VerifyClaimRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Ledger.Verify(r.Context(), domain.ClaimID(chi.URLParam(r, "id")), req.Outcome, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// MarkClaimProcessed records that a verified claim has been paid out.
// POST /api/admin/claims/{id}/processed
func (h *Handler) MarkClaimProcessed(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.MarkProcessed(r.Context(), domain.ClaimID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListAudit returns audit entries, newest first.
// GET /api/admin/audit?subject_id=&action=a,b&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{SubjectID: q.Get("subject_id"), Limit: 100}
	if raw := q.Get("action"); raw != "" {
		filter.Actions = lo.Map(strings.Split(raw, ","), func(s string, _ int) domain.AuditAction {
			return domain.AuditAction(strings.TrimSpace(s))
		})
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, &domain.ValidationError{Fields: map[string]string{"limit": "must be a positive integer"}})
			return
		}
		filter.Limit = n
	}

	entries, err := h.Audit.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// INCENTIVE HANDLERS
// =============================================================================

// RecordClaim records a manually evidenced incentive claim. Replays return
// the existing claim with 200; a new claim is 201.
// POST /api/claims
func (h *Handler) RecordClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Evidence.Handle == "" && req.Evidence.ScreenshotRef == "" {
		h.writeError(w, r, &domain.ValidationError{Fields: map[string]string{"evidence": "handle or screenshot_ref is required"}})
		return
	}
	ctx := r.Context()
	before, err := h.Ledger.Claims(ctx, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Ledger.RecordClaim(ctx, req.UserID, req.Type, req.Evidence, req.CouponCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if lo.ContainsBy(before, func(b domain.IncentiveClaim) bool { return b.ID == c.ID }) {
		status = http.StatusOK
	}
	writeJSON(w, status, c)
}

// ListUserClaims returns a user's claims and the cashback they add up to.
// GET /api/users/{id}/claims
func (h *Handler) ListUserClaims(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "id"))
	claims, err := h.Ledger.Claims(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if claims == nil {
		claims = []domain.IncentiveClaim{}
	}
	writeJSON(w, http.StatusOK, UserClaimsResponse{
		UserID:        userID,
		Claims:        claims,
		TotalEligible: incentive.EligibleTotal(claims),
	})
}

// RedeemCoupon consumes one use of a coupon.
// POST /api/coupons/{code}/redeem
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Issuer.Redeem(r.Context(), chi.URLParam(r, "code"), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ConfirmPayment settles cashback and enrolls the applicant. Direct
// transfers earn a bonus claim, so only admins confirm payments.
// POST /api/admin/payments/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentConfirmRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, s, err := h.Machine.ConfirmEnrollment(r.Context(), req.confirmation(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EnrollmentResponse{Applicant: a, Settlement: s})
}

// =============================================================================
// OAUTH HANDLERS
// =============================================================================

// StartYouTubeOAuth opens a session and redirects to the consent screen.
// GET /oauth/youtube/start?redirect=
func (h *Handler) StartYouTubeOAuth(w http.ResponseWriter, r *http.Request) {
	sessionID, authURL, err := h.Workflow.Begin(r.Context(), r.URL.Query().Get("redirect"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/oauth/youtube",
		MaxAge:   int(h.Workflow.Sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// YouTubeCallback reconciles the provider redirect. The response is always a
// redirect; failures travel as ?error=<code>.
// GET /oauth/youtube/callback
func (h *Handler) YouTubeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := subscription.CallbackParams{
		State: q.Get("state"),
		Code:  q.Get("code"),
		Error: q.Get("error"),
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		p.SessionID = c.Value
	}
	http.Redirect(w, r, h.Workflow.HandleCallback(r.Context(), p), http.StatusFound)
}

// Health reports liveness, and database reachability when the store can be
// pinged.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Audit.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Logger.Errorw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

var allStatuses = []domain.ApplicantStatus{
	domain.StatusNew,
	domain.StatusUnderReview,
	domain.StatusApproved,
	domain.StatusRejected,
	domain.StatusEnrolled,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var tagMessages = map[string]string{
	"required":    "is required",
	"required_if": "is required for this payment method",
	"oneof":       "is not a recognised value",
}

func actor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ActorHeader)); id != "" {
		return id
	}
	return defaultActor
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.ValidationError{Fields: map[string]string{"body": "must be valid JSON"}}
	}
	return nil
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate request")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		fields[fe.Field()] = msg
	}
	return &domain.ValidationError{Fields: fields}
}

func quoteFromQuery(r *http.Request) (admission.Quote, error) {
	q := r.URL.Query()
	fields := map[string]string{}
	parse := func(key string) decimal.Decimal {
		raw := q.Get(key)
		if raw == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			fields[key] = "must be a number"
		}
		return d
	}
	quote := admission.Quote{
		BaseFee:       parse("base_fee"),
		DiscountType:  domain.DiscountType(q.Get("discount_type")),
		DiscountValue: parse("discount_value"),
		PaymentScheme: domain.PaymentScheme(q.Get("payment_scheme")),
	}
	if err := validate.Struct(QuoteRequest(quote)); err != nil {
		fields["quote"] = "discount_type or payment_scheme is not a recognised value"
	}
	if len(fields) > 0 {
		return quote, &domain.ValidationError{Fields: fields}
	}
	return quote, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Errorw("request failed", "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}
