// Package dnsresolve performs TXT record lookups against a merged pool of
// well-known public DNS resolvers, accepting only answers the upstream
// resolver marks as DNSSEC-authenticated, so a single resolver outage or an
// unauthenticated answer from one provider doesn't fail verification.
package dnsresolve

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Default resolver pools, merged the way the reference domain verifier
// merges Google, Cloudflare, and Quad9's resolver groups.
var (
	googleServers     = []string{"8.8.8.8:53", "8.8.4.4:53"}
	cloudflareServers = []string{"1.1.1.1:53", "1.0.0.1:53"}
	quad9Servers      = []string{"9.9.9.9:53", "149.112.112.112:53"}
)

// Resolver issues TXT queries against a merged resolver pool, requesting
// DNSSEC validation and trusting the upstream resolver's authenticated-data
// (AD) bit since these providers validate signatures themselves.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// New returns a Resolver backed by the default Google/Cloudflare/Quad9
// pool.
func New() *Resolver {
	servers := make([]string, 0, len(googleServers)+len(cloudflareServers)+len(quad9Servers))
	servers = append(servers, googleServers...)
	servers = append(servers, cloudflareServers...)
	servers = append(servers, quad9Servers...)
	return &Resolver{
		servers: servers,
		client:  &dns.Client{},
	}
}

// LookupTXT returns the TXT record strings for domain, trying each server
// in the pool in turn until one answers. It requests DNSSEC validation (the
// DO bit) and requires the response to be marked authenticated, rejecting
// answers the resolver itself could not validate.
func (r *Resolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	msg.SetEdns0(4096, true) // DO bit: request DNSSEC records.
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dnsresolve: %s returned rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		if !resp.AuthenticatedData {
			lastErr = fmt.Errorf("dnsresolve: %s did not authenticate the response (DNSSEC)", server)
			continue
		}
		return extractTXT(resp), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dnsresolve: no resolvers configured")
	}
	return nil, lastErr
}

func extractTXT(msg *dns.Msg) []string {
	var out []string
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			for _, s := range txt.Txt {
				out = append(out, s)
			}
		}
	}
	return out
}
