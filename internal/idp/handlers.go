// internal/idp/handlers.go

// Package idp implements a single-instance OAuth2/OIDC authorization server:
// discovery, authorization_code (with PKCE), client_credentials and
// refresh_token grants, all tokens signed RS256 against the published JWKS.
package idp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"handoff/pkg/config"
)

// Server is the authorization server. All mutable state (pending logins,
// authorization codes, refresh grants) is owned by the instance; the
// registries and signing key are read-only after start.
type Server struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	reg     *Registry
	keys    *KeyProvider
	codes   *codeStore
	refresh *refreshStore
	logins  *loginStore
}

func NewServer(cfg config.Config, log *zap.SugaredLogger, reg *Registry, keys *KeyProvider) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		keys:    keys,
		codes:   newCodeStore(cfg.CodeTTL),
		refresh: newRefreshStore(),
		logins:  newLoginStore(10 * time.Minute),
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/jwks.json", s.handleJWKS)
	r.Get("/authorize", s.handleAuthorizeGet)
	r.Post("/authorize", s.handleAuthorizePost)
	r.Post("/consent", s.handleConsent)
	r.Post("/generate-token", s.handleToken)
}

// ---- discovery --------------------------------------------------------------

type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	iss := strings.TrimRight(s.cfg.Issuer, "/")
	writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                            iss,
		AuthorizationEndpoint:             iss + "/authorize",
		TokenEndpoint:                     iss + "/generate-token",
		JWKSURI:                           iss + "/jwks.json",
		ResponseTypesSupported:            []string{"code", "token", "id_token", "id_token token"},
		GrantTypesSupported:               []string{"client_credentials", "implicit", "authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		ScopesSupported:                   []string{"openid", "profile", "email", "api:read", "api:write"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		SubjectTypesSupported:             []string{"public"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

// ---- authorize / consent ----------------------------------------------------

// authRequest carries the /authorize parameters across the login and consent
// steps, server-side, keyed by a session cookie.
type authRequest struct {
	ClientID            string
	ClientName          string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (s *Server) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	client, ok := s.reg.Client(clientID)
	if !ok || !client.AllowsRedirect(redirectURI) {
		http.Error(w, "Invalid client or redirect URI", http.StatusBadRequest)
		return
	}

	sid := s.logins.Create(authRequest{
		ClientID:            clientID,
		ClientName:          client.Name,
		RedirectURI:         redirectURI,
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid, Path: "/", HttpOnly: true})
	s.renderLogin(w, client.Name, "")
}

func (s *Server) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loginSession(r)
	if !ok {
		http.Error(w, "Invalid session", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, ok := s.reg.User(username)
	if !ok || user.Password != password {
		s.renderLogin(w, sess.Request.ClientName, "Invalid username or password")
		return
	}
	s.logins.SetUser(sessionID(r), user)
	s.renderConsent(w, sess.Request)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	sess, ok := s.logins.Get(sid)
	if !ok || sess.User == nil {
		http.Error(w, "Invalid session", http.StatusBadRequest)
		return
	}
	req := sess.Request
	user := *sess.User
	scopes := strings.Split(req.Scope, " ")

	if r.FormValue("consent") != "true" {
		s.logins.Delete(sid)
		redirectQuery(w, r, req.RedirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"User denied access"},
			"state":             {req.State},
		})
		return
	}

	switch req.ResponseType {
	case "token id_token", "id_token token":
		accessToken, err := s.mintAccessToken(req.ClientID, scopes, user.Subject, user.TenantID)
		if err != nil {
			s.log.Errorw("mint access token", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		idToken, err := s.mintIDToken(req.ClientID, user, scopes, req.Nonce)
		if err != nil {
			s.log.Errorw("mint id token", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.logins.Delete(sid)
		redirectFragment(w, r, req.RedirectURI, url.Values{
			"access_token": {accessToken},
			"id_token":     {idToken},
			"token_type":   {"Bearer"},
			"expires_in":   {expiresIn(s.cfg.TokenTTL)},
			"scope":        {req.Scope},
			"state":        {req.State},
		})

	case "code":
		code := s.codes.Issue(authCode{
			ClientID:            req.ClientID,
			User:                user,
			Scopes:              scopes,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
		})
		s.logins.Delete(sid)
		redirectQuery(w, r, req.RedirectURI, url.Values{
			"code":  {code},
			"state": {req.State},
		})

	default:
		s.logins.Delete(sid)
		redirectQuery(w, r, req.RedirectURI, url.Values{
			"error":             {"access_denied"},
			"error_description": {"User denied access"},
			"state":             {req.State},
		})
	}
}

// ---- token endpoint ---------------------------------------------------------

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}

	clientID, clientSecret := clientCredentials(r)

	client, ok := s.reg.Client(clientID)
	if !ok {
		s.log.Errorw("invalid client", "client_id", clientID)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Client not found")
		return
	}
	if client.Secret != clientSecret {
		s.log.Errorw("client authentication failed", "client_id", clientID)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}

	switch r.FormValue("grant_type") {
	case "client_credentials":
		s.tokenClientCredentials(w, r, client)
	case "authorization_code":
		s.tokenAuthorizationCode(w, r, client)
	case "refresh_token":
		s.tokenRefresh(w, r, client)
	default:
		s.log.Errorw("unsupported grant type", "grant_type", r.FormValue("grant_type"))
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) tokenClientCredentials(w http.ResponseWriter, r *http.Request, client Client) {
	scopes := strings.Split(r.FormValue("scope"), " ")
	for _, scope := range scopes {
		if !client.AllowsScope(scope) {
			s.log.Errorw("invalid scope", "client_id", client.ID, "scope", scope)
			oauthError(w, http.StatusBadRequest, "invalid_scope", "")
			return
		}
	}
	accessToken, err := s.mintAccessToken(client.ID, scopes, "", "")
	if err != nil {
		s.log.Errorw("mint access token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.TokenTTL.Seconds()),
		Scope:       strings.Join(scopes, " "),
	})
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client Client) {
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	ac, ok := s.codes.Consume(code)
	if !ok {
		s.log.Errorw("invalid or expired authorization code")
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code.")
		return
	}
	if ac.RedirectURI != redirectURI || ac.ClientID != client.ID {
		s.log.Errorw("redirect uri or client id mismatch", "client_id", client.ID)
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Redirect URI or client ID mismatch")
		return
	}
	if time.Now().After(ac.ExpiresAt) {
		s.log.Errorw("authorization code has expired")
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Authorization code has expired")
		return
	}
	if ac.CodeChallenge != "" {
		if codeVerifier == "" {
			s.log.Errorw("code verifier required for PKCE flow")
			oauthError(w, http.StatusBadRequest, "invalid_request", "Code verifier is required for PKCE flow.")
			return
		}
		sum := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if computed != ac.CodeChallenge {
			s.log.Errorw("PKCE code challenge mismatch")
			oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE code challenge mismatch.")
			return
		}
	}

	accessToken, err := s.mintAccessToken(client.ID, ac.Scopes, ac.User.Subject, ac.User.TenantID)
	if err != nil {
		s.log.Errorw("mint access token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	idToken, err := s.mintIDToken(client.ID, ac.User, ac.Scopes, "")
	if err != nil {
		s.log.Errorw("mint id token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	refreshToken := s.refresh.Issue(refreshGrant{ClientID: client.ID, User: ac.User, Scopes: ac.Scopes})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.TokenTTL.Seconds()),
		Scope:        strings.Join(ac.Scopes, " "),
	})
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request, client Client) {
	grant, ok := s.refresh.Get(r.FormValue("refresh_token"))
	if !ok || grant.ClientID != client.ID {
		s.log.Errorw("invalid refresh token", "client_id", client.ID)
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
		return
	}
	accessToken, err := s.mintAccessToken(client.ID, grant.Scopes, grant.User.Subject, grant.User.TenantID)
	if err != nil {
		s.log.Errorw("mint access token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		RefreshToken: r.FormValue("refresh_token"),
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.TokenTTL.Seconds()),
		Scope:        strings.Join(grant.Scopes, " "),
	})
}

// clientCredentials extracts client id/secret from HTTP Basic auth, falling
// back to form fields when the header is absent or malformed.
func clientCredentials(r *http.Request) (string, string) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Basic ") {
		if raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "Basic ")); err == nil {
			if id, secret, ok := strings.Cut(string(raw), ":"); ok {
				return id, secret
			}
		}
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ---- login session store ----------------------------------------------------

const sessionCookie = "idp_session"

type loginSession struct {
	Request authRequest
	User    *User
	expires time.Time
}

type loginStore struct {
	mu       sync.Mutex
	sessions map[string]*loginSession
	ttl      time.Duration
}

func newLoginStore(ttl time.Duration) *loginStore {
	return &loginStore{sessions: map[string]*loginSession{}, ttl: ttl}
}

func (s *loginStore) Create(req authRequest) string {
	sid := randomToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sid] = &loginSession{Request: req, expires: time.Now().Add(s.ttl)}
	return sid
}

func (s *loginStore) Get(sid string) (*loginSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok || time.Now().After(sess.expires) {
		return nil, false
	}
	return sess, true
}

func (s *loginStore) SetUser(sid string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sid]; ok {
		sess.User = &u
	}
}

func (s *loginStore) Delete(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}

func (s *Server) loginSession(r *http.Request) (*loginSession, bool) {
	return s.logins.Get(sessionID(r))
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// ---- rendering & helpers ----------------------------------------------------

var loginTmpl = template.Must(template.New("login").Parse(`<!doctype html>
<html><body>
<h2>Sign in to continue to {{.ClientName}}</h2>
{{if .Error}}<p style="color:red">{{.Error}}</p>{{end}}
<form method="post" action="/authorize">
  <input name="username" placeholder="username" autofocus>
  <input name="password" type="password" placeholder="password">
  <button type="submit">Sign in</button>
</form>
</body></html>`))

var consentTmpl = template.Must(template.New("consent").Parse(`<!doctype html>
<html><body>
<h2>{{.ClientName}} is requesting access</h2>
<p>Scopes: {{.Scope}}</p>
<form method="post" action="/consent">
  <button name="consent" value="true" type="submit">Approve</button>
  <button name="consent" value="false" type="submit">Deny</button>
</form>
</body></html>`))

func (s *Server) renderLogin(w http.ResponseWriter, clientName, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTmpl.Execute(w, map[string]string{"ClientName": clientName, "Error": errMsg})
}

func (s *Server) renderConsent(w http.ResponseWriter, req authRequest) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentTmpl.Execute(w, map[string]string{"ClientName": req.ClientName, "Scope": req.Scope})
}

func redirectQuery(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}
	u.RawQuery = params.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func redirectFragment(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}
	u.Fragment = ""
	http.Redirect(w, r, u.String()+"#"+params.Encode(), http.StatusFound)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func expiresIn(ttl time.Duration) string {
	return strconv.Itoa(int(ttl.Seconds()))
}
