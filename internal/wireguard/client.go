package wireguard

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// ClientConfig describes the single-peer tunnel an instance brings up from
// the WireGuard section of its ProxyLabel.
type ClientConfig struct {
	ListenPort          uint16
	PrivateKey          [32]byte
	AddressCIDR         string
	PeerPublicKey       [32]byte
	Endpoint            string
	PersistentKeepalive uint16
}

// Client is the instance-side single-peer WireGuard tunnel.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu     sync.Mutex
	dev    *device.Device
	tunDev tun.Device
}

// NewClient creates (but does not yet start) a Client for cfg.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, logger: logger.With(zap.String("component", "wireguard-client"))}
}

// Start brings up the TUN device and installs the single hub peer with an
// allowed-IPs of 0.0.0.0/0. It does not assign AddressCIDR to the interface
// or install any routes; AddressCIDR is only logged.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return nil
	}

	tunDev, err := tun.CreateTUN(WGInterfaceName, device.DefaultMTU)
	if err != nil {
		return fmt.Errorf("wireguard: failed to create TUN device: %w", err)
	}

	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("(%s) ", WGInterfaceName))
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	listenPort := c.cfg.ListenPort
	if listenPort == 0 {
		listenPort = WGDefaultListenPort
	}

	kp := KeyPair{PrivateKey: c.cfg.PrivateKey}
	peerKp := KeyPair{PublicKey: c.cfg.PeerPublicKey}
	uapi := strings.Join([]string{
		fmt.Sprintf("private_key=%s", kp.HexPrivateKey()),
		fmt.Sprintf("listen_port=%d", listenPort),
		fmt.Sprintf("public_key=%s", peerKp.HexPublicKey()),
		fmt.Sprintf("endpoint=%s", c.cfg.Endpoint),
		"allowed_ip=0.0.0.0/0",
		fmt.Sprintf("persistent_keepalive_interval=%d", keepaliveOrDefault(c.cfg.PersistentKeepalive)),
	}, "\n") + "\n"

	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return fmt.Errorf("wireguard: failed to configure client device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("wireguard: failed to bring up client device: %w", err)
	}

	c.dev = dev
	c.tunDev = tunDev
	c.logger.Info("wireguard client tunnel up",
		zap.String("address", c.cfg.AddressCIDR), zap.String("endpoint", c.cfg.Endpoint))
	return nil
}

// Stop tears down the tunnel. It is safe to call even if Start was never
// called.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return
	}
	c.dev.Close()
	c.dev = nil
	c.tunDev = nil
}

func keepaliveOrDefault(v uint16) uint16 {
	if v == 0 {
		return 25
	}
	return v
}
