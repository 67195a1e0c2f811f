package wireguard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// HubConfig configures the hub's WireGuard tunnel interface.
type HubConfig struct {
	// Subnet is the CIDR the hub allocates peer addresses from, e.g.
	// "10.42.0.0/16". The hub itself takes the first address.
	Subnet string
	// ExternalAddress is the hostname or IP instances dial to reach this
	// hub; it is embedded (with ListenPort) into every PeerDescriptor.
	ExternalAddress string
	// ListenPort is the UDP port the hub's WireGuard device binds,
	// defaulting to WGDefaultListenPort.
	ListenPort uint16
}

// PeerDescriptor is everything an instance needs to dial into the hub as a
// single WireGuard peer, returned by ProvisionClient and embedded into the
// ProxyLabel the hub hands to the instance.
type PeerDescriptor struct {
	PrivateKey          [32]byte
	PublicKey           [32]byte
	AddressCIDR         string
	HubPublicKey        [32]byte
	HubAddressCIDR      string
	Endpoint            string
	PersistentKeepalive uint16
}

// PeerStatus is a single peer's live traffic counters and handshake
// recency, as reported by current_status (spec §4.E).
type PeerStatus struct {
	PublicKey     [32]byte
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
	AllowedIPs    []string
}

// Status is a snapshot of every peer currently configured on the hub
// device.
type Status struct {
	Peers []PeerStatus
}

// Hub owns the WireGuard tunnel interface on the scheduler side: it brings
// up one TUN device and adds/removes one peer per provisioned instance.
// The hub exclusively owns every peer's lifetime (spec §4.E).
type Hub struct {
	cfg    HubConfig
	pool   *ipPool
	logger *zap.Logger

	mu     sync.Mutex
	dev    *device.Device
	tunDev tun.Device
	keys   KeyPair
}

// NewHub creates the hub's TUN device and brings the WireGuard interface
// up, but with no peers configured yet.
func NewHub(cfg HubConfig, logger *zap.Logger) (*Hub, error) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = WGDefaultListenPort
	}
	pool, err := newIPPool(cfg.Subnet)
	if err != nil {
		return nil, err
	}
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("wireguard: failed to generate hub key pair: %w", err)
	}

	tunDev, err := tun.CreateTUN(WGInterfaceName, device.DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("wireguard: failed to create TUN device: %w", err)
	}

	devLogger := device.NewLogger(device.LogLevelError, fmt.Sprintf("(%s) ", WGInterfaceName))
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), devLogger)

	uapi := fmt.Sprintf("private_key=%s\nlisten_port=%d\n", keys.HexPrivateKey(), cfg.ListenPort)
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("wireguard: failed to configure hub device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("wireguard: failed to bring up hub device: %w", err)
	}

	h := &Hub{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With(zap.String("component", "wireguard-hub")),
		dev:    dev,
		tunDev: tunDev,
		keys:   keys,
	}
	h.logger.Info("wireguard hub interface up",
		zap.String("public_key", keys.HexPublicKey()), zap.Uint16("listen_port", cfg.ListenPort))
	return h, nil
}

// ProvisionClient allocates the next free address, generates a fresh key
// pair for the new peer, installs it on the device, and returns the
// descriptor to be embedded in the instance's ProxyLabel.
func (h *Hub) ProvisionClient() (*PeerDescriptor, error) {
	addrCIDR, err := h.pool.allocate()
	if err != nil {
		return nil, err
	}
	keys, err := GenerateKeyPair()
	if err != nil {
		h.pool.release(addrCIDR)
		return nil, fmt.Errorf("wireguard: failed to generate peer key pair: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	uapi := strings.Join([]string{
		fmt.Sprintf("public_key=%s", keys.HexPublicKey()),
		fmt.Sprintf("allowed_ip=%s", addrCIDR),
		"persistent_keepalive_interval=25",
	}, "\n") + "\n"
	if err := h.dev.IpcSet(uapi); err != nil {
		h.pool.release(addrCIDR)
		return nil, fmt.Errorf("wireguard: failed to install peer: %w", err)
	}

	h.logger.Info("provisioned wireguard peer",
		zap.String("public_key", keys.HexPublicKey()), zap.String("address", addrCIDR))

	return &PeerDescriptor{
		PrivateKey:          keys.PrivateKey,
		PublicKey:           keys.PublicKey,
		AddressCIDR:         addrCIDR,
		HubPublicKey:        h.keys.PublicKey,
		HubAddressCIDR:      h.pool.hubAddress(),
		Endpoint:            fmt.Sprintf("%s:%d", h.cfg.ExternalAddress, h.cfg.ListenPort),
		PersistentKeepalive: 25,
	}, nil
}

// DeprovisionClient removes the peer identified by publicKey from the
// device and returns its address to the pool.
func (h *Hub) DeprovisionClient(publicKey [32]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	raw, err := h.dev.IpcGet()
	if err != nil {
		return fmt.Errorf("wireguard: failed to read device status: %w", err)
	}
	var addresses []string
	for _, peer := range parseStatus(raw).Peers {
		if peer.PublicKey == publicKey {
			addresses = peer.AllowedIPs
		}
	}

	uapi := fmt.Sprintf("public_key=%s\nremove=true\n", hexKey(publicKey))
	if err := h.dev.IpcSet(uapi); err != nil {
		return fmt.Errorf("wireguard: failed to remove peer: %w", err)
	}
	for _, addrCIDR := range addresses {
		h.pool.release(addrCIDR)
	}
	h.logger.Info("deprovisioned wireguard peer", zap.String("public_key", hexKey(publicKey)))
	return nil
}

// CurrentStatus parses the device's UAPI "get" response into per-peer
// traffic counters and handshake recency, for telemetry export.
func (h *Hub) CurrentStatus() (*Status, error) {
	h.mu.Lock()
	raw, err := h.dev.IpcGet()
	h.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wireguard: failed to read device status: %w", err)
	}
	return parseStatus(raw), nil
}

// Close tears down the hub's TUN device.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dev.Close()
}

func hexKey(k [32]byte) string {
	kp := KeyPair{PublicKey: k}
	return kp.HexPublicKey()
}

// parseStatus walks the UAPI "get" key=value protocol, which repeats
// "public_key" to start a new peer block, accumulating the fields that
// belong to each until the next public_key or end of input.
func parseStatus(raw string) *Status {
	status := &Status{}
	var cur *PeerStatus

	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			if cur != nil {
				status.Peers = append(status.Peers, *cur)
			}
			pk, err := PublicKeyFromHex(value)
			if err != nil {
				cur = nil
				continue
			}
			cur = &PeerStatus{PublicKey: pk}
		case "endpoint":
			if cur != nil {
				cur.Endpoint = value
			}
		case "last_handshake_time_sec":
			if cur != nil {
				if sec, err := strconv.ParseInt(value, 10, 64); err == nil && sec > 0 {
					cur.LastHandshake = time.Unix(sec, 0)
				}
			}
		case "rx_bytes":
			if cur != nil {
				if n, err := strconv.ParseUint(value, 10, 64); err == nil {
					cur.RxBytes = n
				}
			}
		case "tx_bytes":
			if cur != nil {
				if n, err := strconv.ParseUint(value, 10, 64); err == nil {
					cur.TxBytes = n
				}
			}
		case "allowed_ip":
			if cur != nil {
				cur.AllowedIPs = append(cur.AllowedIPs, value)
			}
		}
	}
	if cur != nil {
		status.Peers = append(status.Peers, *cur)
	}
	return status
}
