// internal/idp/tokens.go
package idp

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// mintAccessToken signs an RS256 access token bound to the fixed resource
// audience. sub falls back to the client id for machine grants; tenantID is
// included only when known.
func (s *Server) mintAccessToken(clientID string, scopes []string, sub, tenantID string) (string, error) {
	if sub == "" {
		sub = clientID
	}
	now := time.Now().UTC()
	b := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Audience([]string{s.cfg.Audience}).
		Subject(sub).
		IssuedAt(now).
		Expiration(now.Add(s.cfg.TokenTTL)).
		Claim("scope", strings.Join(scopes, " "))
	if tenantID != "" {
		b = b.Claim("tenant_id", tenantID)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("build access token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.keys.Signer()))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return string(signed), nil
}

// mintIDToken signs the OIDC identity token; its audience is the client.
func (s *Server) mintIDToken(clientID string, u User, scopes []string, nonce string) (string, error) {
	now := time.Now().UTC()
	b := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Audience([]string{clientID}).
		Subject(u.Subject).
		IssuedAt(now).
		Expiration(now.Add(s.cfg.TokenTTL)).
		Claim("auth_time", now.Unix()).
		Claim("email", u.Email).
		Claim("profile", u.Profile).
		Claim("scope", strings.Join(scopes, " "))
	if nonce != "" {
		b = b.Claim("nonce", nonce)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("build id token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.keys.Signer()))
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return string(signed), nil
}
