package kms

// WireGuardConfig is the WireGuard side of a ProxyLabel: everything the
// instance needs to bring up its single-peer tunnel to the hub.
type WireGuardConfig struct {
	ListenPort          uint16 `cbor:"listen_port,omitempty"`
	PrivateKey          []byte `cbor:"private_key"`
	AddressCIDR         string `cbor:"address_cidr"`
	PeerPublicKey       []byte `cbor:"peer_public_key"`
	// HubAddressCIDR is the hub's own address inside the tunnel (not its
	// external dial endpoint), needed so the instance can scope its
	// firewall rules to traffic actually arriving over the tunnel.
	HubAddressCIDR      string `cbor:"hub_address_cidr"`
	Endpoint            string `cbor:"endpoint"`
	PersistentKeepalive uint16 `cbor:"persistent_keepalive,omitempty"`
}

// HTTPConfig is the HTTP side of a ProxyLabel: the instance's public
// hostname and, optionally, an external address to advertise to the
// instance's own containers.
type HTTPConfig struct {
	Host            string `cbor:"host"`
	ExternalAddress string `cbor:"external_address,omitempty"`
}

// ProxyLabel is the record the hub seals and hands to the instance via its
// attested label set (spec §3, §4.I). It carries everything the instance
// needs to bring up its side of the tunnel and HTTPS proxy without any
// further round trip to the hub.
type ProxyLabel struct {
	WireGuard WireGuardConfig `cbor:"wireguard"`
	HTTP      HTTPConfig      `cbor:"http"`
}

// EpochRegistration mirrors the attested instance's periodic on-chain
// registration transaction, included here only for the fields the proxy
// subsystem reads: no mutable proxy state is persisted on the instance, so
// nothing in this package ever constructs one — it documents the label's
// origin for readers tracing the label from attestation back to its
// source (spec §3).
type EpochRegistration struct {
	AppID      string            `cbor:"app_id"`
	ECT        []byte            `cbor:"ect"`
	Expiration uint64            `cbor:"expiration"`
	ExtraKeys  []string          `cbor:"extra_keys,omitempty"`
	Metadata   map[string]string `cbor:"metadata,omitempty"`
}

// LabelProxy is the attestation label name under which the sealed
// ProxyLabel ciphertext (base64-encoded) is carried.
const LabelProxy = "net.oasis.proxy"

// MetadataKeyCustomDomains is the deployment metadata key holding the
// space-separated, max-3 list of custom domains for an instance (spec §6).
const MetadataKeyCustomDomains = "net.oasis.proxy.custom-domains"
