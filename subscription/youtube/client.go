/*
Package youtube talks to the Google OAuth and YouTube Data APIs.

CALLS:
  1. Exchange   POST token endpoint, authorization_code grant (form body)
  2. Identity   GET  OpenID userinfo with the bearer token
  3. Subscribe  POST /subscriptions?part=snippet for the configured channel

Every call is bounded by the request context, throttled by a shared limiter
so a burst of callbacks cannot exhaust the API quota, and retried on
transport errors and 5xx/429 by go-retryablehttp. Failures surface as
domain.ExternalServiceError.

A 400 with reason subscriptionDuplicate means the viewer already follows the
channel. Subscribe reports that as success with AlreadySubscribed set.
*/
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
	"golang.org/x/time/rate"
)

const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	DefaultAPIBaseURL  = "https://www.googleapis.com/youtube/v3"

	serviceName = "youtube"

	reasonSubscriptionDuplicate = "subscriptionDuplicate"
)

var scopes = []string{"openid", "email", "profile", "https://www.googleapis.com/auth/youtube"}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	ChannelID    string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	APIBaseURL  string

	// Timeout bounds each provider call, retries included.
	Timeout           time.Duration
	RetryMax          int
	RequestsPerSecond float64
}

func (c *Config) setDefaults() {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = DefaultUserInfoURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

type Subscription struct {
	ID                string
	ChannelID         string
	AlreadySubscribed bool
}

// =============================================================================
// CLIENT
// =============================================================================

type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = retryLogger{log}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		cfg:     cfg,
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  log,
	}
}

// ChannelID is the channel Subscribe targets.
func (c *Client) ChannelID() string { return c.cfg.ChannelID }

// AuthCodeURL is where the browser is sent to grant access.
func (c *Client) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("access_type", "online")
	q.Set("prompt", "consent")
	return c.cfg.AuthURL + "?" + q.Encode()
}

// Exchange trades an authorization code for an access token.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)

	var tok Token
	status, body, err := c.do(ctx, http.MethodPost, c.cfg.TokenURL, "", "application/x-www-form-urlencoded", []byte(data.Encode()))
	if err != nil {
		return nil, c.fail("exchange code", err)
	}
	if status != http.StatusOK {
		return nil, c.fail("exchange code", errors.Newf("token endpoint returned %d: %s", status, truncate(body)))
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, c.fail("exchange code", errors.Wrap(err, "decode token response"))
	}
	if tok.AccessToken == "" {
		return nil, c.fail("exchange code", errors.New("token response has no access_token"))
	}
	return &tok, nil
}

// Identity fetches the viewer's verified email and display name.
func (c *Client) Identity(ctx context.Context, tok *Token) (*Identity, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.cfg.UserInfoURL, tok.AccessToken, "", nil)
	if err != nil {
		return nil, c.fail("fetch identity", err)
	}
	if status != http.StatusOK {
		return nil, c.fail("fetch identity", errors.Newf("userinfo returned %d: %s", status, truncate(body)))
	}
	var id Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return nil, c.fail("fetch identity", errors.Wrap(err, "decode userinfo"))
	}
	if id.Email == "" {
		return nil, c.fail("fetch identity", errors.New("provider returned no email"))
	}
	return &id, nil
}

type subscribeRequest struct {
	Snippet struct {
		ResourceID struct {
			Kind      string `json:"kind"`
			ChannelID string `json:"channelId"`
		} `json:"resourceId"`
	} `json:"snippet"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Subscribe subscribes the viewer to the configured channel.
func (c *Client) Subscribe(ctx context.Context, tok *Token) (*Subscription, error) {
	var req subscribeRequest
	req.Snippet.ResourceID.Kind = "youtube#channel"
	req.Snippet.ResourceID.ChannelID = c.cfg.ChannelID
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode subscribe request")
	}

	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/subscriptions?part=snippet"
	status, body, err := c.do(ctx, http.MethodPost, endpoint, tok.AccessToken, "application/json", payload)
	if err != nil {
		return nil, c.fail("subscribe", err)
	}

	switch {
	case status == http.StatusOK:
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, c.fail("subscribe", errors.Wrap(err, "decode subscription"))
		}
		return &Subscription{ID: out.ID, ChannelID: c.cfg.ChannelID}, nil
	case status == http.StatusBadRequest && hasReason(body, reasonSubscriptionDuplicate):
		c.logger.Debugw("viewer already subscribed", "channel_id", c.cfg.ChannelID)
		return &Subscription{ChannelID: c.cfg.ChannelID, AlreadySubscribed: true}, nil
	default:
		return nil, c.fail("subscribe", errors.Newf("subscriptions.insert returned %d: %s", status, truncate(body)))
	}
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, endpoint, bearer, contentType string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, errors.Wrap(err, "rate limit wait")
	}

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	c.logger.Debugw("provider call", "method", method, "url", endpoint, "status", resp.StatusCode, "duration", time.Since(start))
	return resp.StatusCode, data, nil
}

func (c *Client) fail(op string, err error) error {
	c.logger.Warnw("provider call failed", "service", serviceName, "op", op, "error", err)
	return &domain.ExternalServiceError{Service: serviceName, Op: op, Cause: err}
}

func hasReason(body []byte, reason string) bool {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	for _, item := range e.Error.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// retryLogger adapts the zap wrapper to retryablehttp.LeveledLogger.
type retryLogger struct{ l *logger.Logger }

func (r retryLogger) Error(msg string, kv ...interface{}) { r.l.Errorw(msg, kv...) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.l.Debugw(msg, kv...) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.l.Debugw(msg, kv...) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.l.Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = retryLogger{}

func (t *Token) String() string {
	return fmt.Sprintf("Token{type=%s expires_in=%d}", t.TokenType, t.ExpiresIn)
}
