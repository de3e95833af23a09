// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env string

	// Listen addresses
	IDPAddr   string // idp-service
	HostAddr  string // host-service
	AgentAddr string // agent-service

	// OIDC / tokens
	Issuer       string // authorization server identity, e.g. http://localhost:5000
	Audience     string // resource-server identifier bound into access tokens
	DiscoveryURL string // explicit discovery URL (else Issuer + well-known path)
	RedirectURI  string // host-service OAuth callback
	CodeTTL      time.Duration
	TokenTTL     time.Duration

	// Signing key for the authorization server. Empty means a fresh key is
	// generated at startup (dev only).
	SigningKeyFile string

	// Router
	RegistryURL       string // agent registry endpoint returning agent cards
	CardsJSON         string // inline card seed when no registry is available
	AgentSecretsJSON  string // {"<agent name>":"<client secret>", ...}
	TenantScopedTypes []string
	DispatchTimeout   time.Duration

	// Registries (idp)
	ClientSeedJSON string
	UserSeedJSON   string

	// Tenant this host/agent instance serves (demo single-tenant processes)
	TenantID string

	// agent-service identity
	AgentName      string
	AgentPublicURL string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("HANDOFF_ENV", "dev"),
		IDPAddr:           env("HANDOFF_IDP_ADDR", ":5000"),
		HostAddr:          env("HANDOFF_HOST_ADDR", ":8083"),
		AgentAddr:         env("HANDOFF_AGENT_ADDR", ":8000"),
		Issuer:            env("OIDC_ISSUER", "http://localhost:5000"),
		Audience:          env("OIDC_AUDIENCE", "http://localhost:8081"),
		DiscoveryURL:      env("OIDC_DISCOVERY_URL", ""),
		RedirectURI:       env("REDIRECT_URI", "http://localhost:8083/callback"),
		CodeTTL:           envDur("AUTH_CODE_TTL_SEC", 300) * time.Second,
		TokenTTL:          envDur("ACCESS_TOKEN_TTL_SEC", 3600) * time.Second,
		SigningKeyFile:    env("SIGNING_KEY_FILE", ""),
		RegistryURL:       env("AGENT_REGISTRY_URL", ""),
		CardsJSON:         env("AGENT_CARDS_JSON", ""),
		AgentSecretsJSON:  env("AGENT_CLIENT_SECRETS_JSON", ""),
		TenantScopedTypes: envList("TENANT_SCOPED_TYPES", "horizon"),
		DispatchTimeout:   envDur("DISPATCH_TIMEOUT_SEC", 30) * time.Second,
		ClientSeedJSON:    env("CLIENT_SEED_JSON", ""),
		UserSeedJSON:      env("USER_SEED_JSON", ""),
		TenantID:          env("HANDOFF_TENANT_ID", ""),
		AgentName:         env("AGENT_NAME", ""),
		AgentPublicURL:    env("AGENT_PUBLIC_URL", "http://localhost:8000"),
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
	}
	if cfg.DiscoveryURL == "" {
		cfg.DiscoveryURL = strings.TrimRight(cfg.Issuer, "/") + "/.well-known/openid-configuration"
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory task store for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
		log.Printf("[WARN] %s=%q is not an integer, using default %d", k, v, def)
	}
	return time.Duration(def)
}

func envList(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
