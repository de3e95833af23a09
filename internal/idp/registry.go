// internal/idp/registry.go
package idp

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Client is an immutable OAuth client registry entry, looked up by id.
type Client struct {
	ID            string   `json:"client_id"`
	Secret        string   `json:"client_secret"`
	Name          string   `json:"client_name"`
	AllowedScopes []string `json:"allowed_scopes"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
}

// AllowsRedirect requires an exact match against the registered set; no
// prefix matching.
func (c Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func (c Client) AllowsScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// User is an immutable registry entry. Plaintext password is demo-only.
type User struct {
	Subject  string `json:"sub"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Profile  string `json:"profile"`
	TenantID string `json:"tenant_id"`
}

// Registry holds the client and user registries. Read-only after load.
type Registry struct {
	clients map[string]Client
	users   map[string]User
}

// NewRegistry seeds clients and users from JSON (CLIENT_SEED_JSON /
// USER_SEED_JSON); when a seed is absent, demo defaults are installed so the
// stack works out of the box.
func NewRegistry(clientSeed, userSeed string, log *zap.SugaredLogger) *Registry {
	r := &Registry{clients: map[string]Client{}, users: map[string]User{}}

	if clientSeed != "" {
		var entries []Client
		if err := json.Unmarshal([]byte(clientSeed), &entries); err != nil {
			log.Warnw("client seed", "err", err)
		}
		for _, c := range entries {
			r.clients[c.ID] = c
		}
	}
	if len(r.clients) == 0 {
		for _, c := range defaultClients() {
			r.clients[c.ID] = c
		}
	}

	if userSeed != "" {
		var entries []User
		if err := json.Unmarshal([]byte(userSeed), &entries); err != nil {
			log.Warnw("user seed", "err", err)
		}
		for _, u := range entries {
			r.users[u.Subject] = u
		}
	}
	if len(r.users) == 0 {
		for _, u := range defaultUsers() {
			r.users[u.Subject] = u
		}
	}
	return r
}

func (r *Registry) Client(id string) (Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) User(username string) (User, bool) {
	u, ok := r.users[username]
	return u, ok
}

func defaultClients() []Client {
	return []Client{
		{
			ID: "weather_agent", Secret: "weather_secret", Name: "Weather Agent",
			AllowedScopes: []string{"api:read", "openid"},
			RedirectURIs:  []string{"http://localhost:8083/callback"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
		},
		{
			ID: "Horizon Agent - Tenant ABC", Secret: "horizon_secret_abc", Name: "Horizon Agent - Tenant ABC",
			AllowedScopes: []string{"api:read", "openid", "profile", "email"},
			RedirectURIs:  []string{"http://localhost:8083/callback"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
		},
		{
			ID: "Calendar Agent", Secret: "calendar_secret", Name: "Calendar Agent",
			AllowedScopes: []string{"api:read", "openid", "profile", "email"},
			RedirectURIs:  []string{"http://localhost:8083/callback"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
		},
	}
}

func defaultUsers() []User {
	return []User{
		{Subject: "john.doe", Password: "password123", Email: "john.doe@example.com", Profile: "I am John Doe.", TenantID: "tenant-abc"},
		{Subject: "jane.doe", Password: "password123", Email: "jane.doe@example.com", Profile: "I am Jane Doe.", TenantID: "tenant-xyz"},
	}
}
