package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSChecker asks a resolver to answer a query. Any well-formed response
// counts as healthy, NXDOMAIN included: the point is proving the resolver is
// reachable, which through a tunnel is a stronger liveness signal than a
// bare dial.
type DNSChecker struct {
	server  string
	name    string
	timeout time.Duration
}

// NewDNSChecker creates a new DNS health checker. The target is the resolver
// address; port 53 is assumed when none is given.
func NewDNSChecker(cfg Config) *DNSChecker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	server := cfg.Target
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	name := cfg.Name
	if name == "" {
		name = "example.com"
	}

	return &DNSChecker{
		server:  server,
		name:    name,
		timeout: timeout,
	}
}

// Check performs a DNS health check.
func (c *DNSChecker) Check(ctx context.Context) Result {
	start := time.Now()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(c.name), dns.TypeA)
	m.RecursionDesired = true

	client := &dns.Client{
		Timeout: c.timeout,
	}

	resp, _, err := client.ExchangeContext(ctx, m, c.server)
	latency := time.Since(start)

	result := Result{
		Latency:   latency,
		Timestamp: time.Now(),
	}

	if err != nil {
		result.Healthy = false
		result.Error = err.Error()
		result.Message = "DNS query failed"
		return result
	}

	result.Healthy = true
	result.Message = fmt.Sprintf("DNS response %s", dns.RcodeToString[resp.Rcode])
	return result
}

// Type returns the checker type.
func (c *DNSChecker) Type() string {
	return "dns"
}
