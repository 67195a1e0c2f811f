package certresolver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSigned(t *testing.T, notBefore, notAfter time.Time) (*tls.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "svc.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, key
}

func TestGetCertificateSelectsByALPN(t *testing.T) {
	r := NewResolver()
	now := time.Now()
	cert, _ := selfSigned(t, now, now.Add(90*24*time.Hour))
	challenge, _ := selfSigned(t, now, now.Add(time.Minute))

	r.setCertificate(cert)
	r.setChallenge(challenge)

	got, err := r.GetCertificate(&tls.ClientHelloInfo{SupportedProtos: []string{ACMETLSALPNProtocolID}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != challenge {
		t.Fatalf("expected challenge certificate for acme-tls/1 ALPN")
	}

	got, err = r.GetCertificate(&tls.ClientHelloInfo{SupportedProtos: []string{"h2", "http/1.1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != cert {
		t.Fatalf("expected serving certificate for normal ALPN list")
	}
}

func TestGetCertificateErrorsWhenUnset(t *testing.T) {
	r := NewResolver()
	if _, err := r.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatalf("expected error when no serving certificate is loaded")
	}
}

func TestProvisionWaitTime(t *testing.T) {
	p := &Provisioner{resolver: NewResolver()}

	// No certificate loaded: provision immediately.
	if d := p.provisionWaitTime(); d != 0 {
		t.Fatalf("expected zero wait with no certificate, got %v", d)
	}

	// Freshly issued 90-day certificate: plenty of validity left, should
	// wait roughly two thirds of the total lifetime.
	now := time.Now()
	cert, _ := selfSigned(t, now.Add(-time.Hour), now.Add(90*24*time.Hour))
	p.resolver.setCertificate(cert)
	d := p.provisionWaitTime()
	if d <= 0 {
		t.Fatalf("expected positive wait for freshly issued certificate, got %v", d)
	}

	// Certificate within the last third of its validity: provision now.
	cert, _ = selfSigned(t, now.Add(-80*24*time.Hour), now.Add(10*24*time.Hour))
	p.resolver.setCertificate(cert)
	if d := p.provisionWaitTime(); d != 0 {
		t.Fatalf("expected zero wait near expiry, got %v", d)
	}
}
