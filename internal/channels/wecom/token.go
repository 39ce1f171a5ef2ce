package wecom

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

// DefaultTokenMargin is subtracted from expires_in so a token is refreshed
// before the platform rejects it.
const DefaultTokenMargin = 200 * time.Second

// TokenFetcher fetches a fresh access token.
type TokenFetcher interface {
	FetchToken(ctx context.Context, corpID, secret string) (AccessToken, error)
}

// TokenSource caches the access token of one (corp, agent) pair.
type TokenSource struct {
	corpID  string
	fetcher TokenFetcher
	margin  time.Duration
	clock   clock.Clock
	group   singleflight.Group

	mu        sync.Mutex
	secret    string
	gen       uint64
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source. margin <= 0 selects DefaultTokenMargin.
func NewTokenSource(corpID, secret string, fetcher TokenFetcher, margin time.Duration, c clock.Clock) *TokenSource {
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	return &TokenSource{
		corpID:  corpID,
		secret:  secret,
		fetcher: fetcher,
		margin:  margin,
		clock:   clock.OrReal(c),
	}
}

// Token returns the cached token, refreshing it when missing or expired.
// Concurrent refreshes share one request.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.clock.Now().Before(s.expiresAt) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	secret, gen := s.secret, s.gen
	s.mu.Unlock()

	v, err, _ := s.group.Do(s.flightKey(gen), func() (any, error) {
		return s.refresh(ctx, secret, gen)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *TokenSource) refresh(ctx context.Context, secret string, gen uint64) (string, error) {
	at, err := s.fetcher.FetchToken(ctx, s.corpID, secret)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A secret rotated mid-flight makes this result stale; hand it to the
	// waiting callers but keep it out of the cache.
	if gen == s.gen {
		s.token = at.Value
		s.expiresAt = s.clock.Now().Add(at.ExpiresIn - s.margin)
	}
	return at.Value, nil
}

func (s *TokenSource) flightKey(gen uint64) string {
	return s.corpID + "#" + strconv.FormatUint(gen, 10)
}

// Invalidate drops the cached token so the next Token call refreshes.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// UpdateSecret swaps the corp secret, dropping the cached token if it changed.
func (s *TokenSource) UpdateSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret == s.secret {
		return
	}
	s.secret = secret
	s.gen++
	s.token = ""
	s.expiresAt = time.Time{}
}

// ExpiresAt returns the expiry of the cached token (zero when none).
func (s *TokenSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}
