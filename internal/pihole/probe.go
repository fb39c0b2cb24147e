package pihole

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Prober checks that a controller answers DNS queries.
type Prober struct {
	client *dns.Client
	domain string
	port   int
}

// NewProber creates a prober that resolves domain on the given port.
func NewProber(domain string, port int, timeout time.Duration) *Prober {
	if domain == "" {
		domain = "pi.hole"
	}
	if port == 0 {
		port = 53
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		client: &dns.Client{
			Timeout: timeout,
			Net:     "udp",
		},
		domain: domain,
		port:   port,
	}
}

// Probe sends one A query to host and fails on transport errors or a
// non-success rcode.
func (p *Prober) Probe(ctx context.Context, host string) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.domain), dns.TypeA)
	m.RecursionDesired = true

	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	resp, _, err := p.client.ExchangeContext(ctx, m, addr)
	if err != nil {
		return fmt.Errorf("dns probe %s: %w", addr, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return fmt.Errorf("dns probe %s: rcode %s", addr, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
