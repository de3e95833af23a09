// internal/idp/keys.go
package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyProvider owns the server's RSA signing key pair. The private half signs
// issued tokens; the public half is published as a JWKS. Read-only after
// construction.
type KeyProvider struct {
	private jwk.Key
	public  jwk.Set
}

// LoadKeys reads a PEM-encoded RSA private key from path, or generates a
// fresh 2048-bit key when path is empty. Failure to load a configured key is
// fatal for the caller: the server cannot issue tokens without it.
func LoadKeys(path string) (*KeyProvider, error) {
	var key jwk.Key
	if path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read signing key %s: %w", path, err)
		}
		key, err = jwk.ParseKey(pem, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse signing key %s: %w", path, err)
		}
	} else {
		raw, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		key, err = jwk.FromRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("wrap signing key: %w", err)
		}
	}
	if err := jwk.AssignKeyID(key); err != nil {
		return nil, fmt.Errorf("assign kid: %w", err)
	}
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = key.Set(jwk.KeyUsageKey, "sig")

	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, fmt.Errorf("build jwks: %w", err)
	}
	return &KeyProvider{private: key, public: set}, nil
}

// Signer returns the private signing key.
func (k *KeyProvider) Signer() jwk.Key { return k.private }

// JWKS returns the published public key set.
func (k *KeyProvider) JWKS() jwk.Set { return k.public }

// KeyID returns the kid bound into token headers.
func (k *KeyProvider) KeyID() string { return k.private.KeyID() }
