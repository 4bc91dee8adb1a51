package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Token is a bearer credential with an expiry, obtained from the external
// device-auth collaborator; only this interface is consumed here, the
// exchange itself is the host application's concern.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer usable as of now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt.IsZero() || !now.Before(t.ExpiresAt)
}

// ErrAuthPermanentFailure is returned by a TokenSource when the device-auth
// collaborator answers 403/404. This is permanent for the remainder of the
// session, not a transient failure to retry.
type ErrAuthPermanentFailure struct {
	StatusCode int
}

func (e *ErrAuthPermanentFailure) Error() string {
	return fmt.Sprintf("uploader: device auth permanently failed (status %d)", e.StatusCode)
}

// TokenSource fetches and refreshes the bearer token. FetchFunc is supplied
// by the host application's auth collaborator.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
	Refresh(ctx context.Context) (Token, error)
}

// FetchFunc performs one round trip to the device-auth collaborator and
// returns a fresh token, or an *ErrAuthPermanentFailure for 403/404.
type FetchFunc func(ctx context.Context) (Token, error)

// funcTokenSource adapts a single FetchFunc into a caching TokenSource: the
// same function serves both the initial fetch and subsequent refreshes,
// mirroring how a single device-auth endpoint issues and reissues tokens.
type funcTokenSource struct {
	mu    sync.Mutex
	fetch FetchFunc
	cur   Token
	have  bool
}

// NewTokenSource wraps fetch as a TokenSource that caches the last-issued
// token and only calls fetch again on Refresh or on first use.
func NewTokenSource(fetch FetchFunc) TokenSource {
	return &funcTokenSource{fetch: fetch}
}

func (s *funcTokenSource) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have && !s.cur.Expired(time.Now()) {
		return s.cur, nil
	}
	tok, err := s.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	s.cur, s.have = tok, true
	return tok, nil
}

func (s *funcTokenSource) Refresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	s.cur, s.have = tok, true
	return tok, nil
}
