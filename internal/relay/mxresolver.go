package relay

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// MXHost is one preference-ordered candidate returned by a lookup.
type MXHost struct {
	Host string
	Pref uint16
}

// MXResolver looks up MX records for outbound routing. It is deliberately
// independent of framework/dns's stub/DNSSEC resolver: the Spool Engine's
// redelivery path wants a plain, retriable MX list, not the validating
// lookups the inbound policy checks use.
type MXResolver struct {
	client *dns.Client
	config *dns.ClientConfig
}

// NewMXResolver builds a resolver from the system's /etc/resolv.conf.
func NewMXResolver() (*MXResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("relay: reading resolv.conf: %w", err)
	}
	return &MXResolver{client: new(dns.Client), config: cfg}, nil
}

// LookupMX returns the domain's MX hosts in preference order. Per RFC 5321
// §5.1, a domain with no MX record falls back to the domain name itself as
// the sole candidate.
func (r *MXResolver) LookupMX(ctx context.Context, domain string) ([]MXHost, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.config.Servers {
		addr := net.JoinHostPort(server, r.config.Port)
		resp, _, err := r.client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("relay: domain %s does not exist", domain)
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("relay: %s: dns rcode %d", domain, resp.Rcode)
			continue
		}

		var hosts []MXHost
		for _, rr := range resp.Answer {
			if mx, ok := rr.(*dns.MX); ok {
				hosts = append(hosts, MXHost{
					Host: strings.TrimSuffix(mx.Mx, "."),
					Pref: mx.Preference,
				})
			}
		}
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Pref < hosts[j].Pref })

		if len(hosts) == 0 {
			hosts = []MXHost{{Host: domain, Pref: 0}}
		}
		return hosts, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("relay: no usable resolvers configured")
	}
	return nil, lastErr
}
