// internal/idp/codes.go
package idp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// authCode is the server-side record behind an opaque authorization code.
type authCode struct {
	ClientID            string
	User                User
	Scopes              []string
	RedirectURI         string
	ExpiresAt           time.Time
	CodeChallenge       string
	CodeChallengeMethod string
}

// codeStore holds pending authorization codes. A code is redeemable at most
// once: Consume removes it atomically, so two concurrent exchanges cannot
// both succeed.
type codeStore struct {
	mu    sync.Mutex
	codes map[string]authCode
	ttl   time.Duration
	now   func() time.Time
}

func newCodeStore(ttl time.Duration) *codeStore {
	return &codeStore{codes: map[string]authCode{}, ttl: ttl, now: time.Now}
}

// Issue mints a fresh random code and stores the record with the configured
// expiry.
func (s *codeStore) Issue(ac authCode) string {
	code := randomToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	ac.ExpiresAt = s.now().Add(s.ttl)
	s.codes[code] = ac
	return code
}

// Consume removes and returns the record for code. The expiry check is the
// caller's: an expired code must still be deleted here so it can never be
// replayed.
func (s *codeStore) Consume(code string) (authCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	return ac, ok
}

// refreshGrant is the record behind an issued refresh token.
type refreshGrant struct {
	ClientID string
	User     User
	Scopes   []string
}

type refreshStore struct {
	mu     sync.Mutex
	grants map[string]refreshGrant
}

func newRefreshStore() *refreshStore {
	return &refreshStore{grants: map[string]refreshGrant{}}
}

func (s *refreshStore) Issue(g refreshGrant) string {
	token := randomToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[token] = g
	return token
}

func (s *refreshStore) Get(token string) (refreshGrant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[token]
	return g, ok
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
