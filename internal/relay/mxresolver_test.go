package relay

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/miekg/dns"
)

func newTestResolver(t *testing.T, zones map[string]mockdns.Zone) *MXResolver {
	t.Helper()
	srv, err := mockdns.NewServer(zones, false)
	if err != nil {
		t.Fatalf("starting mock DNS server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	host, port, err := net.SplitHostPort(srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("splitting mock DNS server address: %v", err)
	}

	return &MXResolver{
		client: new(dns.Client),
		config: &dns.ClientConfig{Servers: []string{host}, Port: port},
	}
}

func TestMXResolver_LookupMX_OrdersByPreference(t *testing.T) {
	r := newTestResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			MX: []net.MX{
				{Host: "mx2.example.org.", Pref: 20},
				{Host: "mx1.example.org.", Pref: 10},
			},
		},
	})

	hosts, err := r.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d: %+v", len(hosts), hosts)
	}
	if hosts[0].Host != "mx1.example.org" || hosts[0].Pref != 10 {
		t.Errorf("expected mx1.example.org (pref 10) first, got %+v", hosts[0])
	}
	if hosts[1].Host != "mx2.example.org" || hosts[1].Pref != 20 {
		t.Errorf("expected mx2.example.org (pref 20) second, got %+v", hosts[1])
	}
}

func TestMXResolver_LookupMX_FallsBackToDomainItself(t *testing.T) {
	r := newTestResolver(t, map[string]mockdns.Zone{
		"example.org.": {
			A: []string{"127.0.0.1"},
		},
	})

	hosts, err := r.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Host != "example.org" {
		t.Fatalf("expected fallback to the bare domain, got %+v", hosts)
	}
}
