// Package config loads and validates the JSON configuration for both the
// hub and instance binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// HubConfig configures the scheduler-side proxy: the public WireGuard hub
// and the public HTTPS endpoint. ACMEDirectoryURL is defaulted by Validate
// but the hub binary does not use it.
type HubConfig struct {
	// Domain is the base domain instance subdomains are minted under,
	// e.g. an instance becomes "m<id>.<Domain>".
	Domain string `json:"domain"`
	// ExternalProxyAddress is advertised to instances via the ProxyLabel
	// as their HTTP external_address, if set.
	ExternalProxyAddress string `json:"external_proxy_address,omitempty"`
	// ExternalWireGuardAddress is the hostname/IP instances dial to
	// reach this hub's WireGuard endpoint.
	ExternalWireGuardAddress string `json:"external_wireguard_address"`
	// WireGuardSubnet is the CIDR the hub allocates per-instance
	// addresses from.
	WireGuardSubnet string `json:"wireguard_subnet"`

	ListenPort uint16 `json:"listen_port"`

	TimeoutHandshakeSeconds  int `json:"timeout_handshake_seconds,omitempty"`
	TimeoutConnectSeconds    int `json:"timeout_connect_seconds,omitempty"`
	TimeoutConnectionSeconds int `json:"timeout_connection_seconds,omitempty"`
	TimeoutRWSeconds         int `json:"timeout_rw_seconds,omitempty"`
	MaxConnections           int `json:"max_connections,omitempty"`

	ACMEDirectoryURL string `json:"acme_directory_url,omitempty"`

	// DomainVerifierWorkers sizes the custom-domain verification pool.
	DomainVerifierWorkers int `json:"domain_verifier_workers,omitempty"`

	// StatusListenAddress, if set, serves the admin HTTP endpoint:
	// Prometheus metrics, a /healthz check, and the instance
	// provision/deprovision calls.
	StatusListenAddress string `json:"status_listen_address,omitempty"`

	// KMSMasterSecretEnv names the environment variable holding the
	// local KMS stand-in's master secret (see internal/kms).
	KMSMasterSecretEnv string `json:"kms_master_secret_env,omitempty"`
}

// InstanceConfig configures the instance-side bootstrap.
type InstanceConfig struct {
	ComposeFilePath string `json:"compose_file_path,omitempty"`
	ACMEDirectoryURL string `json:"acme_directory_url,omitempty"`
	KMSMasterSecretEnv string `json:"kms_master_secret_env,omitempty"`
}

// DefaultInstanceConfig matches the defaults the reference instance
// bootstrap uses (spec §4.H).
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		ComposeFilePath: "/etc/oasis/containers/compose.yaml",
	}
}

// LoadHubConfig reads and validates a HubConfig from path.
func LoadHubConfig(path string) (*HubConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var c HubConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects a HubConfig missing the fields the hub cannot start
// without.
func (c *HubConfig) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("config: domain is required")
	}
	if strings.TrimSpace(c.ExternalWireGuardAddress) == "" {
		return fmt.Errorf("config: external_wireguard_address is required")
	}
	if strings.TrimSpace(c.WireGuardSubnet) == "" {
		return fmt.Errorf("config: wireguard_subnet is required")
	}
	if c.ListenPort == 0 {
		c.ListenPort = 443
	}
	if c.DomainVerifierWorkers <= 0 {
		c.DomainVerifierWorkers = 8
	}
	if c.ACMEDirectoryURL == "" {
		c.ACMEDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	}
	return nil
}

// LoadInstanceConfig reads an InstanceConfig from path, falling back to
// DefaultInstanceConfig for any field not present in the file.
func LoadInstanceConfig(path string) (*InstanceConfig, error) {
	c := DefaultInstanceConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &c, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if c.ComposeFilePath == "" {
		c.ComposeFilePath = DefaultInstanceConfig().ComposeFilePath
	}
	if c.ACMEDirectoryURL == "" {
		c.ACMEDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	}
	return &c, nil
}
