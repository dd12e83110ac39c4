package youtube_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
	"github.com/warp/admission-engine/subscription/youtube"
)

func newClient(srv *httptest.Server, mutate ...func(*youtube.Config)) *youtube.Client {
	cfg := youtube.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/oauth/youtube/callback",
		ChannelID:    "UC123",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		APIBaseURL:   srv.URL + "/youtube/v3",
		Timeout:      2 * time.Second,
		RetryMax:     1,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return youtube.NewClient(cfg, logger.NewNop())
}

func TestClient_AuthCodeURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newClient(srv)

	u, err := url.Parse(c.AuthCodeURL("state-123"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/auth", u.Path)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "https://www.googleapis.com/auth/youtube")
}

func TestClient_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "auth-code", r.PostForm.Get("code"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "token_type": "Bearer", "expires_in": 3599})
	}))
	defer srv.Close()

	tok, err := newClient(srv).Exchange(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.NotContains(t, tok.String(), "at-1")
}

func TestClient_Exchange_InvalidGrantIsExternalServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	_, err := newClient(srv).Exchange(context.Background(), "used-code")
	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "youtube", ext.Service)
	assert.True(t, errors.Is(err, domain.ErrExternalService))
}

func TestClient_Exchange_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"at-2"}`)
	}))
	defer srv.Close()

	tok, err := newClient(srv).Exchange(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, int32(2), calls)
}

func TestClient_Exchange_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newClient(srv, func(cfg *youtube.Config) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.RetryMax = 0
	})
	start := time.Now()
	_, err := c.Exchange(context.Background(), "auth-code")
	assert.True(t, errors.Is(err, domain.ErrExternalService))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Identity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"sub":"1","email":"viewer@example.com","email_verified":true,"name":"Viewer"}`)
	}))
	defer srv.Close()

	id, err := newClient(srv).Identity(context.Background(), &youtube.Token{AccessToken: "at-1"})
	require.NoError(t, err)
	assert.Equal(t, "viewer@example.com", id.Email)
	assert.Equal(t, "Viewer", id.Name)
}

func TestClient_Identity_MissingEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sub":"1"}`)
	}))
	defer srv.Close()

	_, err := newClient(srv).Identity(context.Background(), &youtube.Token{AccessToken: "at-1"})
	assert.True(t, errors.Is(err, domain.ErrExternalService))
}

func TestClient_Subscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/youtube/v3/subscriptions", r.URL.Path)
		assert.Equal(t, "snippet", r.URL.Query().Get("part"))
		var body map[string]map[string]map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "UC123", body["snippet"]["resourceId"]["channelId"])
		_, _ = io.WriteString(w, `{"id":"sub-1"}`)
	}))
	defer srv.Close()

	sub, err := newClient(srv).Subscribe(context.Background(), &youtube.Token{AccessToken: "at-1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, "UC123", sub.ChannelID)
	assert.False(t, sub.AlreadySubscribed)
}

func TestClient_Subscribe_DuplicateIsSuccess(t *testing.T) {
	// GIVEN: The viewer already follows the channel
	// THEN: Subscribe succeeds with AlreadySubscribed

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"dup","errors":[{"reason":"subscriptionDuplicate"}]}}`)
	}))
	defer srv.Close()

	sub, err := newClient(srv).Subscribe(context.Background(), &youtube.Token{AccessToken: "at-1"})
	require.NoError(t, err)
	assert.True(t, sub.AlreadySubscribed)
}

func TestClient_Subscribe_ForbiddenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"errors":[{"reason":"quotaExceeded"}]}}`)
	}))
	defer srv.Close()

	_, err := newClient(srv).Subscribe(context.Background(), &youtube.Token{AccessToken: "at-1"})
	assert.True(t, errors.Is(err, domain.ErrExternalService))
}
