// Package wireguard brings up the WireGuard tunnel on both sides of the
// proxy: the hub allocates and revokes one peer per provisioned instance
// over a single TUN device, while the instance-side Client starts the
// single-peer tunnel described by the ProxyLabel it received from the hub.
package wireguard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// WGInterfaceName is the name of the kernel/userspace TUN device the
	// proxy brings up on both the hub and the instance.
	WGInterfaceName = "wg0"
	// WGDefaultListenPort is the UDP port the hub listens on for
	// WireGuard handshakes and the data plane (spec §6).
	WGDefaultListenPort = 51820
)

// KeyPair is a WireGuard Curve25519 key pair.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateKeyPair creates a new random WireGuard key pair, clamped per the
// Curve25519 convention libsodium/wireguard-go both apply.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return kp, fmt.Errorf("wireguard: failed to generate private key: %w", err)
	}
	clamp(&kp.PrivateKey)
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("wireguard: failed to derive public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// clamp applies the standard Curve25519 private-key clamping so the scalar
// is a valid WireGuard key.
func clamp(sk *[32]byte) {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

// HexPrivateKey returns the UAPI (device.IpcSet) hex encoding of the
// private key.
func (kp KeyPair) HexPrivateKey() string { return hex.EncodeToString(kp.PrivateKey[:]) }

// HexPublicKey returns the UAPI hex encoding of the public key.
func (kp KeyPair) HexPublicKey() string { return hex.EncodeToString(kp.PublicKey[:]) }

// PublicKeyFromHex decodes a hex-encoded WireGuard public key, e.g. as
// carried in a ProxyLabel or reported by current_status.
func PublicKeyFromHex(s string) ([32]byte, error) {
	var pk [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("wireguard: invalid public key hex: %w", err)
	}
	if len(b) != 32 {
		return pk, fmt.Errorf("wireguard: public key must be 32 bytes, got %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}
