// Package telemetry exposes the proxy's Prometheus metrics: live connection
// count, WireGuard peer traffic counters, and domain-verification outcomes.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks in-flight HTTPS proxy connections, bounded
	// by tlsproxy.Config.MaxConnections (spec §8 "Resource bound").
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rofl_edge_proxy",
		Name:      "connections_active",
		Help:      "Number of in-flight HTTPS proxy connections.",
	})

	// ConnectionsTotal counts accepted connections by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rofl_edge_proxy",
		Name:      "connections_total",
		Help:      "Total HTTPS proxy connections handled, by outcome.",
	}, []string{"outcome"})

	// WireGuardPeerRxBytes and WireGuardPeerTxBytes report the hub's
	// per-peer traffic counters, labeled by the peer's public key.
	WireGuardPeerRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rofl_edge_proxy",
		Subsystem: "wireguard",
		Name:      "peer_rx_bytes",
		Help:      "Bytes received from a WireGuard peer.",
	}, []string{"peer"})

	WireGuardPeerTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rofl_edge_proxy",
		Subsystem: "wireguard",
		Name:      "peer_tx_bytes",
		Help:      "Bytes sent to a WireGuard peer.",
	}, []string{"peer"})

	WireGuardPeersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rofl_edge_proxy",
		Subsystem: "wireguard",
		Name:      "peers_total",
		Help:      "Number of WireGuard peers currently provisioned on the hub.",
	})

	// DomainVerificationsTotal counts verifier outcomes by result
	// (succeeded, retried, expired).
	DomainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rofl_edge_proxy",
		Subsystem: "domain_verify",
		Name:      "outcomes_total",
		Help:      "Domain verification attempts, by outcome.",
	}, []string{"outcome"})

	// CertificateProvisioningTotal counts ACME provisioning attempts by
	// outcome, for the certificate resolver's background loop.
	CertificateProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rofl_edge_proxy",
		Subsystem: "certresolver",
		Name:      "provisioning_total",
		Help:      "ACME certificate provisioning attempts, by outcome.",
	}, []string{"outcome"})
)
