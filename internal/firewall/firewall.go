// Package firewall installs the instance-side iptables rules that scope the
// WireGuard tunnel interface down to exactly the traffic the proxy expects:
// only the hub's tunnel address may reach the local HTTPS listener over the
// tunnel, and nothing else on that interface is allowed in.
package firewall

import (
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

const (
	chainName = "ROFL-PROXY"
)

// Firewall accumulates iptables rules to install and applies them as a unit
// on Start, so a partially-applied rule set is never left in place if a
// later rule fails to add.
type Firewall struct {
	mu    sync.Mutex
	ipt   *iptables.IPTables
	rules [][]string
	started bool
}

// New returns a Firewall with no rules queued yet.
func New() (*Firewall, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("firewall: failed to init iptables: %w", err)
	}
	return &Firewall{ipt: ipt}, nil
}

// AddWireGuard queues the rule set that restricts iface to HTTPS traffic
// from hubAddress destined to listenAddress:port, dropping everything else
// arriving on iface. Mirrors the reference instance firewall's
// add_wireguard(iface, hub_addr, listen_addr, port) contract (spec §4.H).
func (f *Firewall) AddWireGuard(iface, hubAddress, listenAddress string, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("firewall: cannot add rules after Start")
	}

	f.rules = append(f.rules,
		[]string{"-N", chainName},
		[]string{"-A", chainName, "-i", iface, "-s", hubAddress, "-d", listenAddress, "-p", "tcp", "--dport", portStr(port), "-j", "ACCEPT"},
		[]string{"-A", chainName, "-i", iface, "-j", "DROP"},
		[]string{"-I", "INPUT", "-j", chainName},
	)
	return nil
}

// Start applies every queued rule in order. If any rule fails to apply, the
// rules already applied are rolled back before returning the error.
func (f *Firewall) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	applied := 0
	for _, rule := range f.rules {
		if err := f.apply(rule); err != nil {
			f.rollback(applied)
			return fmt.Errorf("firewall: failed to apply rule %v: %w", rule, err)
		}
		applied++
	}
	f.started = true
	return nil
}

// Stop removes every rule this Firewall installed, in reverse order.
func (f *Firewall) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.rollback(len(f.rules))
	f.started = false
	return nil
}

func (f *Firewall) apply(rule []string) error {
	switch rule[0] {
	case "-N":
		return f.ipt.NewChain("filter", rule[1])
	case "-A":
		return f.ipt.Append("filter", rule[1], rule[2:]...)
	case "-I":
		return f.ipt.Insert("filter", rule[1], 1, rule[2:]...)
	default:
		return fmt.Errorf("firewall: unsupported rule verb %q", rule[0])
	}
}

func (f *Firewall) rollback(n int) {
	for i := n - 1; i >= 0; i-- {
		rule := f.rules[i]
		switch rule[0] {
		case "-N":
			_ = f.ipt.ClearAndDeleteChain("filter", rule[1])
		case "-A":
			_ = f.ipt.Delete("filter", rule[1], rule[2:]...)
		case "-I":
			_ = f.ipt.Delete("filter", rule[1], rule[2:]...)
		}
	}
}

func portStr(p uint16) string {
	return fmt.Sprintf("%d", p)
}
