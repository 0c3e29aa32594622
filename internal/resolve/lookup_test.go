package resolve

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startDNSServer serves a small fixed zone on a loopback port, over both
// UDP and TCP.
//
// Besides the static zone it knows a few misbehaving names:
//   - v4only: answers A, SERVFAIL for AAAA
//   - v6missing: answers A, NXDOMAIN for AAAA
//   - broken: SERVFAIL for everything
//   - big: truncated over UDP, full answer over TCP
func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		t.Fatalf("Listen tcp: %v", err)
	}

	zone := map[string][]string{
		"relay.example.test.": {
			"relay.example.test. 60 IN A 93.184.216.34",
			"relay.example.test. 60 IN AAAA 2001:db8::34",
		},
		"alias.example.test.": {
			"alias.example.test. 60 IN CNAME relay.example.test.",
			"relay.example.test. 60 IN A 93.184.216.34",
		},
		"empty.example.test.": {},
		"v4only.example.test.": {
			"v4only.example.test. 60 IN A 93.184.216.34",
		},
		"v6missing.example.test.": {
			"v6missing.example.test. 60 IN A 93.184.216.34",
		},
		"big.example.test.": {
			"big.example.test. 60 IN A 93.184.216.35",
		},
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		name := strings.ToLower(q.Name)
		_, overTCP := w.RemoteAddr().(*net.TCPAddr)

		switch {
		case name == "broken.example.test.",
			name == "v4only.example.test." && q.Qtype == dns.TypeAAAA:
			resp.SetRcode(req, dns.RcodeServerFailure)
			w.WriteMsg(resp)
			return
		case name == "v6missing.example.test." && q.Qtype == dns.TypeAAAA:
			resp.SetRcode(req, dns.RcodeNameError)
			w.WriteMsg(resp)
			return
		case name == "big.example.test." && !overTCP:
			resp.Truncated = true
			w.WriteMsg(resp)
			return
		}

		records, ok := zone[name]
		if !ok {
			resp.SetRcode(req, dns.RcodeNameError)
			w.WriteMsg(resp)
			return
		}
		for _, s := range records {
			rr, err := dns.NewRR(s)
			if err != nil {
				continue
			}
			if rr.Header().Rrtype == q.Qtype || rr.Header().Rrtype == dns.TypeCNAME {
				resp.Answer = append(resp.Answer, rr)
			}
		}
		w.WriteMsg(resp)
	})

	udpStarted := make(chan struct{})
	tcpStarted := make(chan struct{})
	udpSrv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(udpStarted) }}
	tcpSrv := &dns.Server{Listener: ln, Handler: handler, NotifyStartedFunc: func() { close(tcpStarted) }}
	go udpSrv.ActivateAndServe()
	go tcpSrv.ActivateAndServe()
	t.Cleanup(func() {
		udpSrv.Shutdown()
		tcpSrv.Shutdown()
	})

	for _, started := range []chan struct{}{udpStarted, tcpStarted} {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("DNS server did not start")
		}
	}
	return pc.LocalAddr().String()
}

func TestDNSLookuper_Lookup(t *testing.T) {
	server := startDNSServer(t)

	tests := []struct {
		name    string
		host    string
		network string
		want    []string
		wantErr bool
	}{
		{"both families", "relay.example.test", "", []string{"93.184.216.34", "2001:db8::34"}, false},
		{"ipv4 only", "relay.example.test", "ip4", []string{"93.184.216.34"}, false},
		{"ipv6 only", "relay.example.test", "ip6", []string{"2001:db8::34"}, false},
		{"cname chain", "alias.example.test", "ip4", []string{"93.184.216.34"}, false},
		{"no records", "empty.example.test", "", nil, false},
		{"nxdomain", "missing.example.test", "", nil, true},
		{"aaaa servfail keeps a", "v4only.example.test", "", []string{"93.184.216.34"}, false},
		{"aaaa nxdomain keeps a", "v6missing.example.test", "", []string{"93.184.216.34"}, false},
		{"servfail only", "broken.example.test", "", nil, true},
		{"truncated retried over tcp", "big.example.test", "ip4", []string{"93.184.216.35"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := NewDNSLookuper([]string{server}, tc.network, time.Second)
			addrs, err := l.Lookup(context.Background(), tc.host)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Lookup(%s) = %v, want error", tc.host, addrs)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%s) error = %v", tc.host, err)
			}
			if len(addrs) != len(tc.want) {
				t.Fatalf("Lookup(%s) = %v, want %v", tc.host, addrs, tc.want)
			}
			for i, w := range tc.want {
				if addrs[i] != netip.MustParseAddr(w) {
					t.Errorf("addrs[%d] = %v, want %s", i, addrs[i], w)
				}
			}
		})
	}
}

func TestDNSLookuper_FallsBackToNextServer(t *testing.T) {
	server := startDNSServer(t)

	// Nothing listens on the first server; the client times out and moves on.
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	l := NewDNSLookuper([]string{deadAddr, server}, "ip4", 200*time.Millisecond)
	addrs, err := l.Lookup(context.Background(), "relay.example.test")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("93.184.216.34") {
		t.Errorf("Lookup() = %v, want [93.184.216.34]", addrs)
	}
}

func TestDNSLookuper_NoServers(t *testing.T) {
	l := NewDNSLookuper(nil, "", time.Second)
	if _, err := l.Lookup(context.Background(), "relay.example.test"); err == nil {
		t.Error("Lookup() without servers should fail")
	}
}

func TestNewDNSLookuper_DefaultPort(t *testing.T) {
	l := NewDNSLookuper([]string{"1.1.1.1", "[2606:4700::1111]", "9.9.9.9:5353"}, "", time.Second)
	want := []string{"1.1.1.1:53", "[2606:4700::1111]:53", "9.9.9.9:5353"}
	for i, w := range want {
		if l.Servers[i] != w {
			t.Errorf("Servers[%d] = %s, want %s", i, l.Servers[i], w)
		}
	}
}

func TestSystemLookuper_Literal(t *testing.T) {
	l := NewSystemLookuper("")
	addrs, err := l.Lookup(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(addrs) == 0 || addrs[0] != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("Lookup() = %v, want [127.0.0.1]", addrs)
	}
}

func TestResolver_WithDNSLookuper(t *testing.T) {
	server := startDNSServer(t)

	cfg := testConfig()
	cfg.Remote = "relay.example.test:443"
	slot := &Slot{}
	r, err := New(cfg, NewDNSLookuper([]string{server}, "", time.Second), slot, nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.ResolveOnce(context.Background()); err != nil {
		t.Fatalf("ResolveOnce() error = %v", err)
	}
	got, ok := slot.Load()
	if !ok || got != netip.MustParseAddrPort("93.184.216.34:443") {
		t.Errorf("slot = %v, want 93.184.216.34:443", got)
	}
}

func TestDNSLookuper_ErrorKinds(t *testing.T) {
	server := startDNSServer(t)
	l := NewDNSLookuper([]string{server}, "", time.Second)

	_, err := l.Lookup(context.Background(), "missing.example.test")
	if err == nil || !strings.Contains(err.Error(), "no such host") {
		t.Errorf("missing host error = %v, want no such host", err)
	}

	_, err = l.Lookup(context.Background(), "broken.example.test")
	if err == nil || !strings.Contains(err.Error(), "SERVFAIL") {
		t.Errorf("broken host error = %v, want SERVFAIL", err)
	}
}

func TestResolver_DNSLookuperPartialFailure(t *testing.T) {
	server := startDNSServer(t)
	slot := &Slot{}
	r, err := New(Config{Remote: "v4only.example.test:443"},
		NewDNSLookuper([]string{server}, "", time.Second), slot, nil, testMetrics())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	next, err := r.ResolveOnce(context.Background())
	if err != nil {
		t.Fatalf("ResolveOnce() error = %v", err)
	}
	if next != DefaultRefreshInterval {
		t.Errorf("next = %v, want %v", next, DefaultRefreshInterval)
	}
	if got, ok := slot.Load(); !ok || got != netip.MustParseAddrPort("93.184.216.34:443") {
		t.Errorf("slot = %v, %v; want 93.184.216.34:443", got, ok)
	}
}
