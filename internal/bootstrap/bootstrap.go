// Package bootstrap drives the instance-side startup sequence (spec §4.H):
// open the sealed ProxyLabel from the attested label set, bring up the
// WireGuard tunnel to the hub, scope the tunnel interface with iptables,
// derive HTTPS mappings from the instance's own compose file, and serve
// them with the same proxy engine the hub uses.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/certresolver"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/compose"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/firewall"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/kms"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/mapping"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/tlsproxy"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/wireguard"
)

// LabelSource abstracts away how the sealed ProxyLabel ciphertext is
// obtained from the instance's attestation label set, so this package does
// not depend on the attestation client directly (spec §4.H step 1, §4.I).
type LabelSource interface {
	// GetLabel returns the base64-free raw ciphertext stored under
	// kms.LabelProxy, or an error if the attested label set has no such
	// entry yet.
	GetLabel(ctx context.Context) ([]byte, error)
}

// Config controls where the instance reads its compose file from and how
// it provisions its own ACME certificate.
type Config struct {
	ComposeFilePath string
	ACMEDirectoryURL string
	ListenAddress   string
}

// DefaultConfig matches the reference instance bootstrap's defaults.
func DefaultConfig() Config {
	return Config{
		ComposeFilePath: "/etc/oasis/containers/compose.yaml",
		ACMEDirectoryURL: "https://acme-v02.api.letsencrypt.org/directory",
		ListenAddress:   "0.0.0.0",
	}
}

// Bootstrapper runs the instance-side startup sequence once and then keeps
// every brought-up component (tunnel, proxy, certificate provisioner)
// running until its context is canceled.
type Bootstrapper struct {
	cfg         Config
	labels      LabelSource
	kmsService  kms.Service
	identityKey certresolver.KeyProvider
	logger      *zap.Logger
}

// New creates a Bootstrapper. identityKey supplies the long-term signing
// key used for the instance's ACME CSR (see pkg/identity).
func New(cfg Config, labels LabelSource, kmsService kms.Service, identityKey certresolver.KeyProvider, logger *zap.Logger) *Bootstrapper {
	return &Bootstrapper{
		cfg:         cfg,
		labels:      labels,
		kmsService:  kmsService,
		identityKey: identityKey,
		logger:      logger.With(zap.String("component", "bootstrap")),
	}
}

// Run executes the full bootstrap sequence (spec §4.H) and then blocks
// until ctx is canceled, at which point every component it started is torn
// down in reverse order.
func (b *Bootstrapper) Run(ctx context.Context) error {
	ciphertext, err := b.labels.GetLabel(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to fetch proxy label: %w", err)
	}
	label, err := kms.OpenLabel(ctx, b.kmsService, ciphertext)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to open proxy label: %w", err)
	}
	b.logger.Info("proxy label opened", zap.String("host", label.HTTP.Host))

	data, err := os.ReadFile(b.cfg.ComposeFilePath)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to read compose file: %w", err)
	}
	parsed, err := compose.Parse(data)
	if err != nil {
		return fmt.Errorf("bootstrap: failed to parse compose file: %w", err)
	}
	parsed = compose.Postprocess(parsed)
	b.logger.Info("compose file parsed", zap.Int("port_mappings", len(parsed.PortMappings)))

	if err := b.exportEnv(label); err != nil {
		return fmt.Errorf("bootstrap: failed to export environment: %w", err)
	}

	if len(parsed.PortMappings) == 0 {
		b.logger.Info("compose file publishes no ports, skipping proxy bring-up", zap.String("host", label.HTTP.Host))
		return nil
	}

	var peerKey [32]byte
	copy(peerKey[:], label.WireGuard.PeerPublicKey)
	var privKey [32]byte
	copy(privKey[:], label.WireGuard.PrivateKey)

	wgClient := wireguard.NewClient(wireguard.ClientConfig{
		ListenPort:          label.WireGuard.ListenPort,
		PrivateKey:          privKey,
		AddressCIDR:         label.WireGuard.AddressCIDR,
		PeerPublicKey:       peerKey,
		Endpoint:            label.WireGuard.Endpoint,
		PersistentKeepalive: label.WireGuard.PersistentKeepalive,
	}, b.logger)
	if err := wgClient.Start(); err != nil {
		return fmt.Errorf("bootstrap: failed to start wireguard tunnel: %w", err)
	}
	defer wgClient.Stop()

	fw, err := firewall.New()
	if err != nil {
		return fmt.Errorf("bootstrap: failed to initialize firewall: %w", err)
	}
	hubTunnelAddress, _, _ := strings.Cut(label.WireGuard.HubAddressCIDR, "/")
	if err := fw.AddWireGuard(wireguard.WGInterfaceName, hubTunnelAddress, b.cfg.ListenAddress, 443); err != nil {
		return fmt.Errorf("bootstrap: failed to queue firewall rules: %w", err)
	}
	if err := fw.Start(); err != nil {
		return fmt.Errorf("bootstrap: failed to apply firewall rules: %w", err)
	}
	defer fw.Stop()

	accountKey, err := certresolver.GenerateChallengeSigningKey()
	if err != nil {
		return fmt.Errorf("bootstrap: failed to generate ACME account key: %w", err)
	}
	resolver := certresolver.NewProvisioner(label.HTTP.Host, b.cfg.ACMEDirectoryURL, accountKey, b.identityKey, b.logger)
	provisionerCtx, cancelProvisioner := context.WithCancel(ctx)
	defer cancelProvisioner()
	go func() {
		if err := resolver.Run(provisionerCtx); err != nil && provisionerCtx.Err() == nil {
			b.logger.Error("certificate provisioner exited", zap.Error(err))
		}
	}()

	proxyCfg := tlsproxy.DefaultConfig()
	proxyCfg.ListenAddress = b.cfg.ListenAddress
	proxy := tlsproxy.New(proxyCfg, resolver.Resolver(), tlsproxy.MappingHooks{}, b.logger)
	handle := proxy.Handle()

	installMappings(handle, parsed, label)

	proxyCtx, cancelProxy := context.WithCancel(ctx)
	defer cancelProxy()
	errCh := make(chan error, 1)
	go func() { errCh <- proxy.Run(proxyCtx) }()

	b.logger.Info("instance bootstrap complete, proxy serving", zap.String("host", label.HTTP.Host))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// exportEnv makes the instance's assigned hostname and, if set, its external
// address available to the instance's own containers via the environment,
// mirroring the reference bootstrap's behavior of injecting these into every
// container's env (spec §4.H step 6, §6).
func (b *Bootstrapper) exportEnv(label *kms.ProxyLabel) error {
	if err := os.Setenv("ROFL_PROXY_HOST", label.HTTP.Host); err != nil {
		return err
	}
	if label.HTTP.ExternalAddress == "" {
		return nil
	}
	return os.Setenv("ROFL_PROXY_EXTERNAL_ADDRESS", label.HTTP.ExternalAddress)
}

// installMappings translates the compose file's published ports into proxy
// mappings, one subdomain per published host port ("p<host_port>.<host>",
// or PortMapping.CustomDomain when non-empty; compose.Parse never sets that
// field, so parsed ports always get the first form), forwarding to the port's own
// host address and host port — the port docker actually published on this
// instance, not the container's internal port (spec §4.H step 8-9).
// Duplicate names (two ports mapped to the same subdomain) are dropped,
// keeping only the first.
func installMappings(handle *tlsproxy.Handle, parsed *compose.Parsed, label *kms.ProxyLabel) {
	seen := make(map[string]bool)
	for _, pm := range parsed.PortMappings {
		name := pm.CustomDomain
		if name == "" {
			name = fmt.Sprintf("p%d.%s", pm.Port.HostPort, label.HTTP.Host)
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		mode := mapping.ModeTerminate
		if pm.Mode == compose.ModePassthrough {
			mode = mapping.ModeForward
		}

		handle.AddMapping(mapping.Mapping{
			Name:       name,
			DstAddress: pm.Port.HostAddress,
			DstPort:    pm.Port.HostPort,
			Mode:       mode,
		})
	}
}
