package subscription

import (
	"context"
	"time"

	goCache "github.com/patrickmn/go-cache"
)

const (
	DefaultSessionTTL = 10 * time.Minute

	sessionKeyPrefix = "oauth_session:v1:"
)

// Session is the pair stored by Begin and consumed by the callback.
type Session struct {
	State       string
	RedirectURL string
	CreatedAt   time.Time
}

// SessionStore keeps OAuth sessions until they expire. Entries are not
// removed on callback, so a repeated redirect resolves against the same pair.
type SessionStore struct {
	cache *goCache.Cache
	ttl   time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{cache: goCache.New(ttl, 2*ttl), ttl: ttl}
}

func (s *SessionStore) Put(_ context.Context, id string, sess Session) {
	s.cache.Set(sessionKeyPrefix+id, sess, s.ttl)
}

func (s *SessionStore) Get(_ context.Context, id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}
	v, ok := s.cache.Get(sessionKeyPrefix + id)
	if !ok {
		return Session{}, false
	}
	sess, ok := v.(Session)
	return sess, ok
}

func (s *SessionStore) TTL() time.Duration { return s.ttl }
