// pkg/authval/validator.go

// Package authval decides whether a bearer token is acceptable for a
// protected resource. The issuer's discovery document and JWKS are fetched
// lazily and cached for the lifetime of the Validator.
package authval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Discovery is the subset of the OIDC discovery document the validator needs.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Result is the outcome of a validation. When Valid is false, Reason carries
// a human-readable explanation; callers surface it verbatim.
type Result struct {
	Valid  bool
	Claims map[string]any
	Reason string
}

type Validator struct {
	discoveryURL string
	audience     string
	client       *http.Client

	mu    sync.Mutex
	disco *Discovery
	keys  jwk.Set
}

func New(discoveryURL, audience string) *Validator {
	return &Validator{
		discoveryURL: discoveryURL,
		audience:     audience,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// discovery fetches and caches the OIDC discovery document.
func (v *Validator) discovery(ctx context.Context) (*Discovery, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disco != nil {
		return v.disco, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Error fetching OIDC config: %v", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Error fetching OIDC config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Error fetching OIDC config: HTTP %d", resp.StatusCode)
	}
	var d Discovery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("Error fetching OIDC config: %v", err)
	}
	v.disco = &d
	return v.disco, nil
}

// jwks fetches and caches the key set advertised by the discovery document.
func (v *Validator) jwks(ctx context.Context) (jwk.Set, *Discovery, error) {
	d, err := v.discovery(ctx)
	if err != nil {
		return nil, nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil {
		return v.keys, d, nil
	}
	if d.JWKSURI == "" {
		return nil, nil, fmt.Errorf("jwks_uri not found in OIDC configuration.")
	}
	set, err := jwk.Fetch(ctx, d.JWKSURI, jwk.WithHTTPClient(v.client))
	if err != nil {
		return nil, nil, fmt.Errorf("Error fetching JWKS: %v", err)
	}
	v.keys = set
	return v.keys, d, nil
}

// Validate verifies signature, expiry, audience and issuer of token. When
// requiredTenantID is non-empty the token must carry an equal "tenant_id"
// claim. The Reason strings are part of the observable contract.
func (v *Validator) Validate(ctx context.Context, token string, requiredTenantID string) Result {
	if token == "" {
		return Result{Reason: "Token is empty."}
	}

	set, disco, err := v.jwks(ctx)
	if err != nil {
		return Result{Reason: fmt.Sprintf("Failed to get JWKS: %v", err)}
	}

	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return Result{Reason: fmt.Sprintf("Invalid token: %v", err)}
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return Result{Reason: "Invalid token: no signature"}
	}
	hdr := sigs[0].ProtectedHeaders()
	kid := hdr.KeyID()
	if kid == "" {
		return Result{Reason: "Token header missing 'kid'."}
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return Result{Reason: "No matching key found in JWKS."}
	}

	// Verify the signature with the algorithm declared in the header, then
	// check time-based claims separately so expiry gets its own reason.
	tok, err := jwt.Parse([]byte(token), jwt.WithKey(hdr.Algorithm(), key), jwt.WithValidate(false))
	if err != nil {
		return Result{Reason: fmt.Sprintf("Invalid token: %v", err)}
	}
	if err := jwt.Validate(tok); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return Result{Reason: "Token has expired."}
		}
		return Result{Reason: fmt.Sprintf("Invalid token: %v", err)}
	}

	audOK := false
	for _, aud := range tok.Audience() {
		if aud == v.audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return Result{Reason: "Invalid audience."}
	}
	if tok.Issuer() != disco.Issuer {
		return Result{Reason: "Invalid issuer."}
	}

	claims, err := tok.AsMap(ctx)
	if err != nil {
		return Result{Reason: fmt.Sprintf("An unexpected error occurred during token validation: %v", err)}
	}

	if requiredTenantID != "" {
		raw, ok := claims["tenant_id"]
		tid, _ := raw.(string)
		if !ok || tid == "" {
			return Result{Reason: "'tenant_id' claim not found in token."}
		}
		if tid != requiredTenantID {
			return Result{Reason: fmt.Sprintf("Token 'tenant_id' (%s) does not match required tenant_id (%s).", tid, requiredTenantID)}
		}
	}

	return Result{Valid: true, Claims: claims}
}
