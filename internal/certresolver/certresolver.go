// Package certresolver provisions and serves the TLS certificate used by
// the proxy's termination mode, via ACME over the TLS-ALPN-01 challenge
// type. It keeps two certificate slots behind a mutex: one for the
// short-lived challenge certificate and one for the serving certificate,
// selected at handshake time by inspecting the ClientHello's ALPN list.
package certresolver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/telemetry"
)

const (
	h2ALPNProtocolID      = "h2"
	http11ALPNProtocolID  = "http/1.1"
	// ACMETLSALPNProtocolID is the ALPN protocol identifier used by the
	// TLS-ALPN-01 challenge, per RFC 8737.
	ACMETLSALPNProtocolID = "acme-tls/1"
)

// KeyProvider returns the private key used to sign the serving
// certificate's CSR. The instance binary backs it with pkg/identity's
// process-global key, which is generated in memory on first use.
type KeyProvider func(ctx context.Context) (*ecdsa.PrivateKey, error)

type certifiedKey struct {
	cert *tls.Certificate
}

// Resolver holds the two certificate slots and implements
// tls.Config.GetCertificate.
type Resolver struct {
	mu          sync.Mutex
	challenge   *certifiedKey
	certificate *certifiedKey
}

// NewResolver returns an empty Resolver with no certificates loaded yet.
func NewResolver() *Resolver {
	return &Resolver{}
}

// GetCertificate selects the challenge certificate when the ClientHello
// requests exactly the ACME-TLS ALPN protocol, and the serving certificate
// otherwise. This mirrors the challenge/certificate slot split used by the
// certificate resolver this package is grounded on.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isACMETLSALPN(hello) {
		if r.challenge == nil {
			return nil, fmt.Errorf("certresolver: no challenge certificate loaded")
		}
		return r.challenge.cert, nil
	}
	if r.certificate == nil {
		return nil, fmt.Errorf("certresolver: no serving certificate loaded")
	}
	return r.certificate.cert, nil
}

func isACMETLSALPN(hello *tls.ClientHelloInfo) bool {
	return len(hello.SupportedProtos) == 1 && hello.SupportedProtos[0] == ACMETLSALPNProtocolID
}

func (r *Resolver) setChallenge(cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cert == nil {
		r.challenge = nil
		return
	}
	r.challenge = &certifiedKey{cert: cert}
}

func (r *Resolver) setCertificate(cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cert == nil {
		r.certificate = nil
		return
	}
	r.certificate = &certifiedKey{cert: cert}
}

func (r *Resolver) getCertificate() *tls.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.certificate == nil {
		return nil
	}
	return r.certificate.cert
}

// ServerTLSConfig returns the tls.Config the HTTPS proxy engine should use
// to terminate connections, advertising h2, http/1.1, and the ACME-TLS ALPN
// protocol so challenge validation requests are routed to this resolver.
func (r *Resolver) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		NextProtos:     []string{h2ALPNProtocolID, http11ALPNProtocolID, ACMETLSALPNProtocolID},
	}
}

// Provisioner drives the ACME order lifecycle for a single domain,
// publishing the resulting certificate into a Resolver.
type Provisioner struct {
	domain      string
	resolver    *Resolver
	client      *acme.Client
	keyProvider KeyProvider
	logger      *zap.Logger
}

// NewProvisioner creates a Provisioner for domain, using directoryURL as the
// ACME directory endpoint (e.g. Let's Encrypt production) and accountKey as
// the ACME account's signing key.
func NewProvisioner(domain, directoryURL string, accountKey *ecdsa.PrivateKey, keyProvider KeyProvider, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		domain: domain,
		resolver: NewResolver(),
		client: &acme.Client{
			Key:          accountKey,
			DirectoryURL: directoryURL,
		},
		keyProvider: keyProvider,
		logger:      logger.With(zap.String("component", "certresolver"), zap.String("domain", domain)),
	}
}

// Resolver returns the underlying certificate resolver.
func (p *Provisioner) Resolver() *Resolver {
	return p.resolver
}

// Run initializes the ACME account (retrying until it succeeds or ctx is
// canceled) and then loops forever, provisioning and renewing the
// certificate as it approaches expiry.
func (p *Provisioner) Run(ctx context.Context) error {
	if err := p.ensureAccount(ctx); err != nil {
		return fmt.Errorf("certresolver: failed to initialize ACME account: %w", err)
	}
	p.logger.Info("ACME account initialized")

	for {
		delay := p.provisionWaitTime()
		p.logger.Info("waiting before provisioning certificate", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := p.provisionWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("failed to provision certificate after retries", zap.Error(err))
		}
	}
}

func (p *Provisioner) ensureAccount(ctx context.Context) error {
	account := &acme.Account{}
	for {
		if _, err := p.client.Register(ctx, account, acme.AcceptTOS); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("failed to register ACME account", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

// provisionWaitTime computes how long to wait before attempting the next
// provision, based on the remaining validity of the currently loaded
// certificate: zero if there is none, or if less than a third of its total
// validity window remains.
func (p *Provisioner) provisionWaitTime() time.Duration {
	cert := p.resolver.getCertificate()
	if cert == nil || len(cert.Certificate) == 0 {
		return 0
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return 0
	}
	total := leaf.NotAfter.Sub(leaf.NotBefore)
	remaining := time.Until(leaf.NotAfter)
	if remaining <= total/3 {
		return 0
	}
	return remaining - total/3
}

func (p *Provisioner) provisionWithBackoff(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	for {
		err := p.provisionOnce(ctx)
		if err == nil {
			telemetry.CertificateProvisioningTotal.WithLabelValues("succeeded").Inc()
			return nil
		}
		telemetry.CertificateProvisioningTotal.WithLabelValues("retried").Inc()
		p.logger.Error("failed to provision certificate", zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// provisionOnce runs a single ACME order to completion: authorize via
// TLS-ALPN-01, finalize with a CSR signed by the instance's long-term
// identity key, and publish the resulting chain into the resolver.
func (p *Provisioner) provisionOnce(ctx context.Context) error {
	p.logger.Info("provisioning new certificate")

	order, err := p.client.AuthorizeOrder(ctx, []acme.AuthzID{{Type: "dns", Value: p.domain}})
	if err != nil {
		return fmt.Errorf("certresolver: failed to create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := p.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return fmt.Errorf("certresolver: failed to fetch authorization: %w", err)
		}
		if authz.Status != acme.StatusPending {
			continue
		}

		var challenge *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "tls-alpn-01" {
				challenge = c
				break
			}
		}
		if challenge == nil {
			return fmt.Errorf("certresolver: no tls-alpn-01 challenge offered for %s", p.domain)
		}

		challengeCert, err := p.client.TLSALPN01ChallengeCert(challenge.Token, p.domain)
		if err != nil {
			return fmt.Errorf("certresolver: failed to build challenge certificate: %w", err)
		}
		p.resolver.setChallenge(&challengeCert)

		if _, err := p.client.Accept(ctx, challenge); err != nil {
			return fmt.Errorf("certresolver: failed to accept challenge: %w", err)
		}
	}

	order, err = p.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return fmt.Errorf("certresolver: order did not become ready: %w", err)
	}

	key, err := p.keyProvider(ctx)
	if err != nil {
		return fmt.Errorf("certresolver: failed to obtain signing key: %w", err)
	}
	csr, err := buildCSR(p.domain, key)
	if err != nil {
		return fmt.Errorf("certresolver: failed to build CSR: %w", err)
	}

	der, _, err := p.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("certresolver: failed to finalize order: %w", err)
	}

	p.resolver.setCertificate(&tls.Certificate{
		Certificate: der,
		PrivateKey:  key,
	})
	p.resolver.setChallenge(nil)
	p.logger.Info("certificate provisioned")
	p.logger.Debug("leaf certificate", zap.String("pem", EncodeCertificatePEM(der[0])))
	return nil
}

func buildCSR(domain string, key *ecdsa.PrivateKey) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{},
		DNSNames: []string{domain},
	}
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}

// GenerateChallengeSigningKey returns a fresh ephemeral ECDSA P-256 key that
// is never persisted. The instance bootstrap uses it as the ACME account
// key; TLS-ALPN-01 challenge certificates get their own key from
// acme.Client.TLSALPN01ChallengeCert.
func GenerateChallengeSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// EncodeCertificatePEM is a diagnostics helper for logging the leaf
// certificate currently being served.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
