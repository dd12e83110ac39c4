/*
Package subscription reconciles a YouTube subscription into a coupon and a
cashback claim.

FLOW (one callback invocation):
  1. CSRF state check            → SecurityError, nothing touched
  2. Exchange authorization code → ExternalServiceError, nothing touched
  3. Fetch viewer identity      → unverified email is access_denied
  4. Subscribe to the channel    (already subscribed counts as success)
  5. Find-or-create user by email
  6. One transaction: IssueOrGet coupon, then RecordClaim youtube_subscription
  7. Redirect to ?coupon=<code>&name=<display name>

Steps 5 and 6 are keyed upserts, so replaying the whole flow (a double
redirect, a retry after a crash) converges on one user, one coupon and one
claim. The callback never returns an error: every failure becomes
?error=<code> on the session's redirect URL.
*/
package subscription

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/warp/admission-engine/coupon"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/incentive"
	"github.com/warp/admission-engine/logger"
	"github.com/warp/admission-engine/subscription/youtube"
)

// Redirect error codes.
const (
	CodeInvalidState    = "invalid_state"
	CodeAccessDenied    = "access_denied"
	CodeInvalidRequest  = "invalid_request"
	CodeExternalService = "external_service"
	CodeInternal        = "internal"
)

// ErrAccessDenied is returned when the viewer declined the consent screen.
var ErrAccessDenied = errors.New("authorization denied by viewer")

// Provider is the slice of the YouTube client the workflow drives.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*youtube.Token, error)
	Identity(ctx context.Context, tok *youtube.Token) (*youtube.Identity, error)
	Subscribe(ctx context.Context, tok *youtube.Token) (*youtube.Subscription, error)
}

// CallbackParams is what the provider redirect carries, plus the session
// cookie value.
type CallbackParams struct {
	SessionID string
	State     string
	Code      string
	Error     string
}

// Result is the outcome of a successful reconciliation.
type Result struct {
	User        *domain.User
	Coupon      *domain.Coupon
	Claim       *domain.IncentiveClaim
	DisplayName string
}

type Workflow struct {
	Store    domain.TxStore
	Provider Provider
	Issuer   *coupon.Issuer
	Ledger   *incentive.Ledger
	Sessions *SessionStore
	Clock    domain.Clock
	Logger   *logger.Logger

	// DefaultRedirect is used when no session (or no valid redirect) exists.
	DefaultRedirect string
}

func NewWorkflow(
	store domain.TxStore,
	provider Provider,
	issuer *coupon.Issuer,
	ledger *incentive.Ledger,
	sessions *SessionStore,
	defaultRedirect string,
	log *logger.Logger,
) *Workflow {
	if log == nil {
		log = logger.NewNop()
	}
	return &Workflow{
		Store:           store,
		Provider:        provider,
		Issuer:          issuer,
		Ledger:          ledger,
		Sessions:        sessions,
		Clock:           domain.SystemClock(),
		Logger:          log,
		DefaultRedirect: defaultRedirect,
	}
}

// =============================================================================
// BEGIN
// =============================================================================

// Begin creates a session for redirectURL and returns its id (to be set as a
// cookie) and the provider authorization URL.
func (w *Workflow) Begin(ctx context.Context, redirectURL string) (sessionID, authURL string, err error) {
	target := strings.TrimSpace(redirectURL)
	if target == "" {
		target = w.DefaultRedirect
	}
	if !validRedirect(target) {
		return "", "", &domain.ValidationError{Fields: map[string]string{"redirect": "must be an absolute http(s) URL"}}
	}

	state := uuid.NewString()
	sessionID = uuid.NewString()
	w.Sessions.Put(ctx, sessionID, Session{State: state, RedirectURL: target, CreatedAt: w.Clock.Now()})

	w.Logger.Debugw("oauth session started", "session_id", sessionID, "redirect", target)
	return sessionID, w.Provider.AuthCodeURL(state), nil
}

// =============================================================================
// CALLBACK
// =============================================================================

// HandleCallback runs the reconciliation and returns the URL to redirect the
// browser to. It never fails, and a panic below it becomes error=internal.
func (w *Workflow) HandleCallback(ctx context.Context, p CallbackParams) (redirect string) {
	start := time.Now()
	target := w.DefaultRedirect
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Errorw("subscription callback panicked", "session_id", p.SessionID, "panic", r, "duration", time.Since(start))
			redirect = withQuery(target, map[string]string{"error": CodeInternal})
		}
	}()

	sess, ok := w.Sessions.Get(ctx, p.SessionID)
	if ok {
		target = sess.RedirectURL
	}

	res, err := w.Reconcile(ctx, sess, ok, p)
	if err != nil {
		code := ErrorCode(err)
		log := w.Logger.Warnw
		if code == CodeInternal {
			log = w.Logger.Errorw
		}
		log("subscription callback failed", "code", code, "session_id", p.SessionID, "error", err, "duration", time.Since(start))
		return withQuery(target, map[string]string{"error": code})
	}

	w.Logger.Infow("subscription reconciled",
		"user_id", res.User.ID,
		"coupon", res.Coupon.Code,
		"claim_id", res.Claim.ID,
		"duration", time.Since(start),
	)
	return withQuery(target, map[string]string{"coupon": res.Coupon.Code, "name": res.DisplayName})
}

// Reconcile performs steps 1 to 6 and returns typed errors. HandleCallback is
// the boundary that turns them into redirects.
func (w *Workflow) Reconcile(ctx context.Context, sess Session, found bool, p CallbackParams) (*Result, error) {
	if !found || sess.State == "" || subtle.ConstantTimeCompare([]byte(sess.State), []byte(p.State)) != 1 {
		return nil, &domain.SecurityError{Reason: "oauth state mismatch"}
	}
	if p.Error != "" {
		return nil, errors.Wrapf(ErrAccessDenied, "provider error %q", p.Error)
	}
	if strings.TrimSpace(p.Code) == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"code": "is required"}}
	}

	tok, err := w.Provider.Exchange(ctx, p.Code)
	if err != nil {
		return nil, err
	}
	identity, err := w.Provider.Identity(ctx, tok)
	if err != nil {
		return nil, err
	}
	// Rewards are keyed by email, so an address the provider has not
	// verified cannot claim one.
	if !identity.EmailVerified {
		return nil, errors.Wrapf(ErrAccessDenied, "provider email %q is not verified", identity.Email)
	}
	sub, err := w.Provider.Subscribe(ctx, tok)
	if err != nil {
		return nil, err
	}

	user, err := w.Store.UpsertUserByEmail(ctx, identity.Email, identity.Name)
	if err != nil {
		return nil, errors.Wrap(err, "resolve user")
	}

	res := &Result{User: user, DisplayName: displayName(identity, user)}
	err = w.Store.WithTx(ctx, func(tx domain.Store) error {
		c, err := w.Issuer.WithStore(tx).IssueOrGet(ctx, user.ID, domain.IncentiveYouTubeSubscription)
		if err != nil {
			return err
		}
		claim, err := w.Ledger.WithStore(tx).RecordClaim(ctx, user.ID, domain.IncentiveYouTubeSubscription, domain.Evidence{
			SubscriptionID: sub.ID,
			ChannelID:      sub.ChannelID,
		}, c.Code)
		if err != nil {
			return err
		}
		res.Coupon, res.Claim = c, claim
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ErrorCode maps a workflow error onto the redirect error vocabulary.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSecurity):
		return CodeInvalidState
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, domain.ErrValidation):
		return CodeInvalidRequest
	case errors.Is(err, domain.ErrExternalService):
		return CodeExternalService
	default:
		return CodeInternal
	}
}

func displayName(id *youtube.Identity, u *domain.User) string {
	switch {
	case strings.TrimSpace(id.Name) != "":
		return strings.TrimSpace(id.Name)
	case u.DisplayName != "":
		return u.DisplayName
	default:
		return strings.SplitN(u.Email, "@", 2)[0]
	}
}

func validRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func withQuery(target string, params map[string]string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
