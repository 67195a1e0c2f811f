// Package kms defines the key-management façade the proxy depends on
// (generate, seal, open) and the CBOR-encoded ProxyLabel it carries across
// the hub/instance trust boundary under a fixed domain-separation context.
//
// The real KMS lives outside this module (see SPEC_FULL.md §2): it derives
// and opens secrets under a domain-separation context on the attested
// instance's behalf. Service is the narrow interface this package depends
// on; LocalService is a development/test stub that performs the same
// envelope encryption locally so the rest of the proxy can be exercised
// without a live KMS.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// KeyKind selects the shape of key material Generate should produce.
type KeyKind int

const (
	// KeyKindRaw256 requests 32 raw bytes, suitable for use as a
	// symmetric key or as an ACME account key seed.
	KeyKindRaw256 KeyKind = iota
)

// Service is the KMS façade the proxy depends on: deriving named key
// material and sealing/opening secrets under a domain-separation context.
// Both operations are idempotent in the sense that the same (keyID, kind)
// or (ciphertext, context) pair always yields the same result.
type Service interface {
	// Generate derives (or looks up) key material for keyID of the given
	// kind. Repeated calls with the same keyID return the same bytes.
	Generate(ctx context.Context, keyID string, kind KeyKind) ([]byte, error)
	// OpenSecret decrypts ciphertext that was sealed under context,
	// returning an error if the context does not match or the
	// ciphertext has been tampered with.
	OpenSecret(ctx context.Context, ciphertext []byte, domainContext string) ([]byte, error)
	// SealSecret encrypts plaintext under context. Exposed for the
	// hub side (and tests) that must produce what the instance expects
	// to open; the attested instance itself never calls this.
	SealSecret(ctx context.Context, plaintext []byte, domainContext string) ([]byte, error)
}

// ProxyLabelEncryptionContext is the fixed domain-separation string the
// ProxyLabel is sealed and opened under. A ciphertext sealed under any
// other context must fail to open here.
const ProxyLabelEncryptionContext = "oasis-rofl-proxy/proxy-label/v1"

// LocalService is a local AES-256-GCM stand-in for the production KMS,
// keyed by a single master secret. It is meant for development and tests,
// not for production deployment (see SPEC_FULL.md §2 and DESIGN.md).
type LocalService struct {
	master [32]byte
}

// NewLocalService derives a LocalService from masterSecret. An empty secret
// is padded with zero bytes, which is fine for tests but must never be used
// in production.
func NewLocalService(masterSecret []byte) *LocalService {
	var key [32]byte
	copy(key[:], masterSecret)
	return &LocalService{master: key}
}

// Generate derives deterministic key material for keyID by sealing a
// keyID-specific plaintext with a nonce derived from keyID and taking the
// ciphertext's first 32 bytes; this is a stand-in derivation, not a KDF
// suitable for production.
func (s *LocalService) Generate(_ context.Context, keyID string, kind KeyKind) ([]byte, error) {
	block, err := aes.NewCipher(s.master[:])
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init gcm: %w", err)
	}
	nonce := deriveNonce(gcm.NonceSize(), "generate/"+keyID)
	out := gcm.Seal(nil, nonce, []byte("key-material/"+keyID), nil)
	switch kind {
	case KeyKindRaw256:
		if len(out) < 32 {
			return nil, fmt.Errorf("kms: derived material too short")
		}
		return out[:32], nil
	default:
		return nil, fmt.Errorf("kms: unsupported key kind %d", kind)
	}
}

// SealSecret encrypts plaintext with a fresh random nonce, binding context
// as AES-GCM additional authenticated data so OpenSecret can detect a
// context mismatch.
func (s *LocalService) SealSecret(_ context.Context, plaintext []byte, domainContext string) ([]byte, error) {
	block, err := aes.NewCipher(s.master[:])
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(domainContext))
	return sealed, nil
}

// OpenSecret reverses SealSecret, failing if context does not match the
// AAD the ciphertext was sealed under (or if it has been tampered with).
func (s *LocalService) OpenSecret(_ context.Context, ciphertext []byte, domainContext string) ([]byte, error) {
	block, err := aes.NewCipher(s.master[:])
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to init gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(domainContext))
	if err != nil {
		return nil, fmt.Errorf("kms: failed to open secret (context mismatch or corrupt ciphertext): %w", err)
	}
	return plaintext, nil
}

func deriveNonce(size int, label string) []byte {
	h := []byte(label)
	out := make([]byte, size)
	for i := range out {
		out[i] = h[i%len(h)]
	}
	return out
}

// SealLabel CBOR-encodes label and seals it under ProxyLabelEncryptionContext.
// This is what the hub does before placing the result into the instance's
// attested label set (§3, §4.I).
func SealLabel(ctx context.Context, svc Service, label ProxyLabel) ([]byte, error) {
	raw, err := cbor.Marshal(label)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to encode proxy label: %w", err)
	}
	return svc.SealSecret(ctx, raw, ProxyLabelEncryptionContext)
}

// OpenLabel reverses SealLabel: opens ciphertext under
// ProxyLabelEncryptionContext and CBOR-decodes the result. Any failure
// here — context mismatch, tampering, or malformed CBOR — is a fatal
// configuration error per spec §7.
func OpenLabel(ctx context.Context, svc Service, ciphertext []byte) (*ProxyLabel, error) {
	raw, err := svc.OpenSecret(ctx, ciphertext, ProxyLabelEncryptionContext)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to open proxy label: %w", err)
	}
	var label ProxyLabel
	if err := cbor.Unmarshal(raw, &label); err != nil {
		return nil, fmt.Errorf("kms: malformed proxy label: %w", err)
	}
	return &label, nil
}
