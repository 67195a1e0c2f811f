// Package hubcore is the hub provisioning core (spec §4.G): it ties
// together WireGuard peer lifecycle, HTTPS mapping lifecycle, and
// asynchronous custom-domain verification for each provisioned instance,
// and hands back the encrypted ProxyLabel the instance needs to configure
// its own side of the tunnel.
package hubcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/domainverify"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/kms"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/mapping"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/telemetry"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/tlsproxy"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/wireguard"
)

// maxCustomDomains is the maximum number of custom domains honored per
// deployment, matching the reference scheduler's MAX_CUSTOM_DOMAINS.
const maxCustomDomains = 3

// InstanceID identifies a provisioned instance. The on-chain registry that
// assigns these is out of this module's scope (spec §1); callers supply
// whatever numeric identifier their registry uses.
type InstanceID uint64

// Instance is the subset of the on-chain instance record the provisioning
// core needs.
type Instance struct {
	ID InstanceID
}

// Deployment is the subset of the on-chain deployment record the
// provisioning core needs: its metadata (for custom-domain extraction) and
// a revision number that, combined with the instance and domain, seeds the
// deterministic verification token.
type Deployment struct {
	Revision uint64
	Metadata map[string]string
}

// instanceInfo is the hub's private bookkeeping for one provisioned
// instance (spec §3 InstanceInfo).
type instanceInfo struct {
	peer          *wireguard.PeerDescriptor
	httpHost      string
	dstAddress    string
	dstPort       uint16
	customDomains []string

	// verifyCtx/verifyCancel stand in for the reference design's
	// Arc/Weak lifetime token (spec §9): the core holds the strong
	// (cancel) side, every queued verification holds only verifyCtx,
	// and cancellation propagates to every in-flight or queued
	// verification the moment Deprovision cancels it.
	verifyCtx    context.Context
	verifyCancel context.CancelFunc
}

// Core is the hub's per-instance provisioning state machine.
type Core struct {
	domain          string
	externalAddress string

	wireguard *wireguard.Hub
	proxy     *tlsproxy.Handle
	verifier  *domainverify.Verifier
	logger    *zap.Logger

	mu        sync.Mutex
	instances map[InstanceID]*instanceInfo
}

// New creates a provisioning Core. domain is the base domain instance
// subdomains are minted under; externalAddress is embedded into every
// ProxyLabel's HTTP.ExternalAddress (if non-empty).
func New(domain, externalAddress string, wg *wireguard.Hub, proxy *tlsproxy.Handle, verifier *domainverify.Verifier, logger *zap.Logger) *Core {
	return &Core{
		domain:          domain,
		externalAddress: externalAddress,
		wireguard:       wg,
		proxy:           proxy,
		verifier:        verifier,
		logger:          logger.With(zap.String("component", "hubcore")),
		instances:       make(map[InstanceID]*instanceInfo),
	}
}

// Provision assigns a WireGuard peer and HTTPS mapping (an already-provisioned
// instance keeps its existing peer and mapping, which are not replaced),
// diffs the deployment's custom-domain
// set against what was previously verified, enqueues verification for any
// newly-added domains, and tears down mappings for any removed ones (spec
// §9 Open Question: a proper diff, not reference's provision-then-replace).
func (c *Core) Provision(ctx context.Context, instance Instance, deployment Deployment) (*kms.ProxyLabel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, existed := c.instances[instance.ID]
	if !existed {
		peer, err := c.wireguard.ProvisionClient()
		if err != nil {
			return nil, fmt.Errorf("hubcore: failed to provision wireguard peer: %w", err)
		}
		dstAddress, _, ok := strings.Cut(peer.AddressCIDR, "/")
		if !ok || dstAddress == "" {
			return nil, fmt.Errorf("hubcore: bad peer address %q", peer.AddressCIDR)
		}
		httpHost := fmt.Sprintf("m%d.%s", uint64(instance.ID), c.domain)

		c.proxy.AddMapping(mapping.Mapping{
			Name:       httpHost,
			DstAddress: dstAddress,
			DstPort:    443,
			Mode:       mapping.ModeForward,
		})

		verifyCtx, verifyCancel := context.WithCancel(context.Background())
		info = &instanceInfo{
			peer:         peer,
			httpHost:     httpHost,
			dstAddress:   dstAddress,
			dstPort:      443,
			verifyCtx:    verifyCtx,
			verifyCancel: verifyCancel,
		}
		c.instances[instance.ID] = info
		c.logger.Info("provisioned instance",
			zap.Uint64("instance_id", uint64(instance.ID)), zap.String("host", httpHost), zap.String("address", dstAddress))
	}

	newDomains := extractCustomDomains(deployment)
	added, removed := diffDomains(info.customDomains, newDomains)

	for _, domain := range removed {
		c.proxy.RemoveMapping(domain)
		c.logger.Info("removed custom domain mapping no longer advertised",
			zap.Uint64("instance_id", uint64(instance.ID)), zap.String("domain", domain))
	}
	info.customDomains = subtract(info.customDomains, removed)

	for _, domain := range added {
		token := domainVerificationToken(instance, deployment, domain)
		if _, err := c.verifier.QueueVerification(info.verifyCtx, strconv.FormatUint(uint64(instance.ID), 10), domain, token); err != nil {
			c.logger.Error("failed to queue domain verification",
				zap.Uint64("instance_id", uint64(instance.ID)), zap.String("domain", domain), zap.Error(err))
		}
	}

	label := &kms.ProxyLabel{
		WireGuard: kms.WireGuardConfig{
			PrivateKey:          info.peer.PrivateKey[:],
			AddressCIDR:         info.peer.AddressCIDR,
			PeerPublicKey:       info.peer.HubPublicKey[:],
			HubAddressCIDR:      info.peer.HubAddressCIDR,
			Endpoint:            info.peer.Endpoint,
			PersistentKeepalive: info.peer.PersistentKeepalive,
		},
		HTTP: kms.HTTPConfig{
			Host:            info.httpHost,
			ExternalAddress: c.externalAddress,
		},
	}
	return label, nil
}

// Deprovision tears down every mapping and the WireGuard peer belonging to
// id, and cancels any outstanding domain verifications. It is a no-op if
// id is not currently provisioned. Order matches spec §4.E/§4.G: HTTPS
// mappings are removed before the WireGuard peer.
func (c *Core) Deprovision(id InstanceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.instances[id]
	if !ok {
		return nil
	}
	delete(c.instances, id)

	c.proxy.RemoveMapping(info.httpHost)
	for _, domain := range info.customDomains {
		c.proxy.RemoveMapping(domain)
	}
	info.verifyCancel()

	if err := c.wireguard.DeprovisionClient(info.peer.PublicKey); err != nil {
		return fmt.Errorf("hubcore: failed to deprovision wireguard peer: %w", err)
	}
	c.logger.Info("deprovisioned instance", zap.Uint64("instance_id", uint64(id)))
	return nil
}

// VerificationCompleted implements domainverify.Notifier: once a custom
// domain's TXT record is confirmed, the domain is added to the instance's
// HTTPS mappings and its tracked custom-domain set. A verification whose
// instance has since been deprovisioned is a no-op (spec concurrency
// guarantee: totally ordered with deprovisioning).
func (c *Core) VerificationCompleted(_ context.Context, instanceIDStr string, domain string) {
	id, err := strconv.ParseUint(instanceIDStr, 10, 64)
	if err != nil {
		c.logger.Error("verification completed for unparseable instance id", zap.String("instance_id", instanceIDStr))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.instances[InstanceID(id)]
	if !ok {
		c.logger.Warn("verification completed for instance that is no longer provisioned",
			zap.Uint64("instance_id", id), zap.String("domain", domain))
		return
	}
	for _, existing := range info.customDomains {
		if existing == domain {
			c.logger.Warn("duplicate custom domain verification, ignoring", zap.String("domain", domain))
			return
		}
	}
	info.customDomains = append(info.customDomains, domain)
	c.proxy.AddMapping(mapping.Mapping{
		Name:       domain,
		DstAddress: info.dstAddress,
		DstPort:    info.dstPort,
		Mode:       mapping.ModeForward,
	})
	c.logger.Info("custom domain verified and mapped", zap.Uint64("instance_id", id), zap.String("domain", domain))
}

// ReportWireGuardStatus updates the telemetry gauges from a fresh snapshot
// of the hub's WireGuard device state; callers are expected to invoke this
// periodically (see cmd/rofl-proxy-hub).
func (c *Core) ReportWireGuardStatus() error {
	status, err := c.wireguard.CurrentStatus()
	if err != nil {
		return err
	}
	telemetry.WireGuardPeersTotal.Set(float64(len(status.Peers)))
	for _, peer := range status.Peers {
		label := hexOf(peer.PublicKey)
		telemetry.WireGuardPeerRxBytes.WithLabelValues(label).Set(float64(peer.RxBytes))
		telemetry.WireGuardPeerTxBytes.WithLabelValues(label).Set(float64(peer.TxBytes))
	}
	return nil
}

func hexOf(pk [32]byte) string {
	return hex.EncodeToString(pk[:])
}

// extractCustomDomains reads the space-separated custom-domain list from
// deployment metadata, honoring at most maxCustomDomains and skipping
// empty entries (spec §4.G step 7, §6).
func extractCustomDomains(deployment Deployment) []string {
	raw := deployment.Metadata[kms.MetadataKeyCustomDomains]
	var out []string
	for _, domain := range strings.Split(raw, " ") {
		if domain == "" {
			continue
		}
		out = append(out, domain)
		if len(out) == maxCustomDomains {
			break
		}
	}
	return out
}

// diffDomains returns the domains present in next but not cur (added) and
// the domains present in cur but not next (removed).
func diffDomains(cur, next []string) (added, removed []string) {
	curSet := make(map[string]bool, len(cur))
	for _, d := range cur {
		curSet[d] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, d := range next {
		nextSet[d] = true
		if !curSet[d] {
			added = append(added, d)
		}
	}
	for _, d := range cur {
		if !nextSet[d] {
			removed = append(removed, d)
		}
	}
	return added, removed
}

func subtract(set []string, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, d := range remove {
		removeSet[d] = true
	}
	out := make([]string, 0, len(set))
	for _, d := range set {
		if !removeSet[d] {
			out = append(out, d)
		}
	}
	return out
}

// domainVerificationToken deterministically derives the TXT-record token
// the domain owner must publish, from the instance, deployment revision,
// and domain (spec §6: "a deterministic function of (instance, deployment,
// domain)").
func domainVerificationToken(instance Instance, deployment Deployment, domain string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", instance.ID, deployment.Revision, domain)))
	return hex.EncodeToString(sum[:16])
}
