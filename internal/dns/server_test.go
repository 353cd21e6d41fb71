package dns

import (
	"net"
	"testing"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// startUpstream runs a resolver that answers every A query with 93.184.216.34.
func startUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if q.Name == "missing.example." {
				m.Rcode = dns.RcodeNameError
			} else if q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
					A:   net.ParseIP("93.184.216.34").To4(),
				})
			}
			_ = w.WriteMsg(m)
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not start")
	}
	return pc.LocalAddr().String()
}

func startServer(t *testing.T, upstreams ...string) string {
	t.Helper()

	monitor, err := observer.NewMonitor([]config.DomainConfig{
		{Host: "api.openai.com", CO2Grams: 4.32},
		{Host: "claude.ai", CO2Grams: 3.8},
	}, nil, 3.5)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	s, err := NewServer(Config{
		ListenAddr:   "127.0.0.1:0",
		ProxyIP:      "10.0.0.1",
		UpstreamDNS:  upstreams,
		InterceptTTL: 60,
		BypassTTLCap: 300,
		EnableUDP:    true,
		Timeout:      time.Second,
	}, monitor, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.SetListeners(pc, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return pc.LocalAddr().String()
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("query %s: %v", name, err)
	}
	return resp
}

func TestMonitoredHostsAreIntercepted(t *testing.T) {
	addr := startServer(t, startUpstream(t))

	resp := query(t, addr, "API.OpenAI.com", dns.TypeA)
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", resp.Answer[0])
	}
	if !a.A.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("expected proxy IP, got %s", a.A)
	}
	if a.Hdr.Ttl != 60 {
		t.Errorf("expected intercept TTL 60, got %d", a.Hdr.Ttl)
	}

	resp = query(t, addr, "claude.ai", dns.TypeAAAA)
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
		t.Errorf("expected empty NOERROR for AAAA, got rcode %d with %d answers", resp.Rcode, len(resp.Answer))
	}
}

func TestOtherHostsAreForwarded(t *testing.T) {
	addr := startServer(t, startUpstream(t))

	resp := query(t, addr, "example.com", dns.TypeA)
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	a := resp.Answer[0].(*dns.A)
	if !a.A.Equal(net.ParseIP("93.184.216.34")) {
		t.Errorf("expected upstream answer, got %s", a.A)
	}
	if a.Hdr.Ttl != 300 {
		t.Errorf("expected TTL capped at 300, got %d", a.Hdr.Ttl)
	}

	resp = query(t, addr, "missing.example", dns.TypeA)
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("expected NXDOMAIN passed through, got %d", resp.Rcode)
	}
}

func TestUpstreamFailureIsServfail(t *testing.T) {
	// Nothing listens on the discard port
	addr := startServer(t, "127.0.0.1:9")

	resp := query(t, addr, "example.com", dns.TypeA)
	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("expected SERVFAIL, got %d", resp.Rcode)
	}
}

func TestNewServerValidatesProxyIP(t *testing.T) {
	if _, err := NewServer(Config{ProxyIP: "not-an-ip", UpstreamDNS: []string{"1.1.1.1:53"}}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid proxy IP")
	}
	if _, err := NewServer(Config{ProxyIP: "10.0.0.1"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error without upstreams")
	}
}
