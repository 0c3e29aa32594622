package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Lookuper turns a host name into candidate addresses, in preference order.
// An empty result with a nil error means the name exists but has no
// address records.
type Lookuper interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemLookuper resolves through the platform resolver.
type SystemLookuper struct {
	Resolver *net.Resolver
	Network  string // "ip", "ip4" or "ip6"; empty means "ip"
}

// NewSystemLookuper returns a SystemLookuper using net.DefaultResolver.
func NewSystemLookuper(network string) *SystemLookuper {
	return &SystemLookuper{Resolver: net.DefaultResolver, Network: network}
}

// Lookup implements Lookuper.
func (l *SystemLookuper) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	network := l.Network
	if network == "" {
		network = "ip"
	}
	resolver := l.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// DNSLookuper queries the configured nameservers directly for A and AAAA
// records. Servers are tried in order until one answers.
type DNSLookuper struct {
	Servers []string
	Network string // "", "ip4" or "ip6"

	client    *dns.Client
	tcpClient *dns.Client
}

// NewDNSLookuper creates a DNSLookuper. Servers without a port get :53.
func NewDNSLookuper(servers []string, network string, timeout time.Duration) *DNSLookuper {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		normalized = append(normalized, s)
	}

	return &DNSLookuper{
		Servers:   normalized,
		Network:   network,
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// queryTypes returns the record types to ask for, A before AAAA.
func (l *DNSLookuper) queryTypes() []uint16 {
	switch l.Network {
	case "ip4":
		return []uint16{dns.TypeA}
	case "ip6":
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

// Lookup implements Lookuper.
func (l *DNSLookuper) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(l.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}

	var lastErr error
	for _, server := range l.Servers {
		addrs, err := l.lookupServer(ctx, server, host)
		if err == nil {
			return addrs, nil
		}
		lastErr = fmt.Errorf("%s: %w", server, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// lookupServer asks server for every query type. It succeeds when at least
// one type got a NOERROR answer; a failed AAAA query must not hide a good A
// answer. NXDOMAIN is reported only when no type succeeded and at least one
// said the name does not exist.
func (l *DNSLookuper) lookupServer(ctx context.Context, server, host string) ([]netip.Addr, error) {
	var (
		addrs     []netip.Addr
		succeeded bool
		nxdomain  bool
		firstErr  error
	)
	for _, qtype := range l.queryTypes() {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, err := l.exchange(ctx, msg, server)
		if err == nil && resp.Rcode != dns.RcodeSuccess {
			if resp.Rcode == dns.RcodeNameError {
				nxdomain = true
			}
			err = fmt.Errorf("query %s %s: %s", host, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		succeeded = true
		addrs = append(addrs, answerAddrs(resp.Answer)...)
	}

	switch {
	case succeeded:
		return addrs, nil
	case nxdomain:
		return nil, fmt.Errorf("no such host %s", host)
	default:
		return nil, firstErr
	}
}

// exchange sends msg over UDP and repeats it over TCP when the reply is
// truncated.
func (l *DNSLookuper) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := l.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if !resp.Truncated {
		return resp, nil
	}

	resp, _, err = l.tcpClient.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("retry truncated reply over tcp: %w", err)
	}
	return resp, nil
}

// answerAddrs extracts A and AAAA data from an answer section. CNAME and
// other records are skipped; recursive servers append the chased targets.
func answerAddrs(answer []dns.RR) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs
}
