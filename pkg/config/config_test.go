// pkg/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 300*time.Second, cfg.CodeTTL)
	assert.Equal(t, 3600*time.Second, cfg.TokenTTL)
	assert.Equal(t, "http://localhost:5000/.well-known/openid-configuration", cfg.DiscoveryURL)
	assert.Equal(t, []string{"horizon"}, cfg.TenantScopedTypes)
}

func TestLoadMalformedTTLFallsBack(t *testing.T) {
	t.Setenv("AUTH_CODE_TTL_SEC", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_SEC", "60")

	cfg := Load()
	assert.Equal(t, 300*time.Second, cfg.CodeTTL)
	assert.Equal(t, 60*time.Second, cfg.TokenTTL)
}

func TestLoadDiscoveryURLOverride(t *testing.T) {
	t.Setenv("OIDC_DISCOVERY_URL", "http://issuer.internal/.well-known/openid-configuration")
	cfg := Load()
	assert.Equal(t, "http://issuer.internal/.well-known/openid-configuration", cfg.DiscoveryURL)
}
