package kms

import (
	"context"
	"testing"
)

func TestLabelRoundTrip(t *testing.T) {
	svc := NewLocalService([]byte("test-master-secret"))
	label := ProxyLabel{
		WireGuard: WireGuardConfig{
			PrivateKey:    []byte{1, 2, 3, 4},
			AddressCIDR:   "10.42.0.2/32",
			PeerPublicKey: []byte{5, 6, 7, 8},
			Endpoint:      "hub.example.com:51820",
		},
		HTTP: HTTPConfig{Host: "m1.rofl.example.com"},
	}

	sealed, err := SealLabel(context.Background(), svc, label)
	if err != nil {
		t.Fatalf("SealLabel: %v", err)
	}

	opened, err := OpenLabel(context.Background(), svc, sealed)
	if err != nil {
		t.Fatalf("OpenLabel: %v", err)
	}
	if opened.HTTP.Host != label.HTTP.Host || opened.WireGuard.AddressCIDR != label.WireGuard.AddressCIDR {
		t.Fatalf("round trip mismatch: got %+v, want %+v", opened, label)
	}
}

func TestOpenSecretWrongContextFails(t *testing.T) {
	svc := NewLocalService([]byte("test-master-secret"))
	ct, err := svc.SealSecret(context.Background(), []byte("hello"), "context-a")
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	if _, err := svc.OpenSecret(context.Background(), ct, "context-b"); err == nil {
		t.Fatalf("expected context mismatch to fail, got nil error")
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	svc := NewLocalService([]byte("test-master-secret"))
	a, err := svc.Generate(context.Background(), "acme-account", KeyKindRaw256)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := svc.Generate(context.Background(), "acme-account", KeyKindRaw256)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("Generate not deterministic for same keyID")
	}
	c, err := svc.Generate(context.Background(), "other-key", KeyKindRaw256)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("Generate produced same material for different keyIDs")
	}
}
