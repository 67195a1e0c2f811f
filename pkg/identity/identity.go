// Package identity holds the process-global long-term signing key, kept
// separate from the short-lived ACME account key and the per-challenge
// TLS-ALPN-01 key used during certificate provisioning.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
)

// Identity is the long-term ECDSA P-256 keypair used to sign the CSR for
// the proxy's serving certificate. It is distinct from any ACME account key
// and from the ephemeral keys generated for individual ACME challenges.
type Identity struct {
	key *ecdsa.PrivateKey
}

var (
	global     *Identity
	globalOnce sync.Once
	globalErr  error
)

// Global returns the process-wide Identity, generating it on first use.
func Global() (*Identity, error) {
	globalOnce.Do(func() {
		global, globalErr = generate()
	})
	return global, globalErr
}

func generate() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate key: %w", err)
	}
	return &Identity{key: key}, nil
}

// Key returns the identity's private key.
func (id *Identity) Key() *ecdsa.PrivateKey {
	return id.key
}

// PublicKeyDER returns the SubjectPublicKeyInfo encoding of the identity's
// public key, suitable for inclusion in instance metadata.
func (id *Identity) PublicKeyDER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&id.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to marshal public key: %w", err)
	}
	return der, nil
}

// PublicKeyPEM returns the PEM encoding of PublicKeyDER, for logging and
// diagnostics.
func (id *Identity) PublicKeyPEM() (string, error) {
	der, err := id.PublicKeyDER()
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}
