package dns

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DNS actions, used as log fields and metric labels.
const (
	ActionIntercept = "INTERCEPT"
	ActionBypass    = "BYPASS"
	ActionFail      = "SERVFAIL"
)

// Server answers monitored hosts with the proxy address so devices reach
// the transparent listener, and forwards everything else upstream.
type Server struct {
	proxyIP     net.IP
	upstreamDNS []string
	monitor     *observer.Monitor
	logger      zerolog.Logger

	// TTL settings
	interceptTTL uint32
	bypassTTLCap uint32

	// DNS client for upstream queries
	client *dns.Client

	// Servers
	udpServer *dns.Server
	tcpServer *dns.Server
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr   string
	ProxyIP      string
	UpstreamDNS  []string
	InterceptTTL uint32
	BypassTTLCap uint32
	EnableTCP    bool
	EnableUDP    bool
	Timeout      time.Duration
}

// NewServer creates a new DNS server
func NewServer(config Config, monitor *observer.Monitor, logger zerolog.Logger) (*Server, error) {
	proxyIP := net.ParseIP(config.ProxyIP)
	if proxyIP == nil || proxyIP.To4() == nil {
		return nil, fmt.Errorf("invalid proxy IP: %q", config.ProxyIP)
	}
	if len(config.UpstreamDNS) == 0 {
		return nil, fmt.Errorf("at least one upstream DNS server is required")
	}

	s := &Server{
		proxyIP:      proxyIP,
		upstreamDNS:  config.UpstreamDNS,
		monitor:      monitor,
		logger:       logger.With().Str("component", "dns").Logger(),
		interceptTTL: config.InterceptTTL,
		bypassTTLCap: config.BypassTTLCap,
		client: &dns.Client{
			Timeout: config.Timeout,
		},
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	if config.EnableUDP {
		s.udpServer = &dns.Server{
			Addr:    config.ListenAddr,
			Net:     "udp",
			Handler: mux,
		}
	}

	if config.EnableTCP {
		s.tcpServer = &dns.Server{
			Addr:    config.ListenAddr,
			Net:     "tcp",
			Handler: mux,
		}
	}

	return s, nil
}

// SetListeners sets pre-created sockets for systemd socket activation
func (s *Server) SetListeners(udp net.PacketConn, tcp net.Listener) {
	if udp != nil && s.udpServer != nil {
		s.udpServer.PacketConn = udp
	}
	if tcp != nil && s.tcpServer != nil {
		s.tcpServer.Listener = tcp
	}
}

// Start starts the DNS server
func (s *Server) Start() error {
	errChan := make(chan error, 2)
	started := make(chan struct{}, 2)
	pending := 0

	run := func(srv *dns.Server, proto string) {
		pending++
		srv.NotifyStartedFunc = func() { started <- struct{}{} }
		go func() {
			s.logger.Info().Str("addr", srv.Addr).Str("net", proto).Msg("Starting DNS server")
			var err error
			if srv.PacketConn != nil || srv.Listener != nil {
				err = srv.ActivateAndServe()
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("%s server error: %w", proto, err)
			}
		}()
	}

	if s.udpServer != nil {
		run(s.udpServer, "UDP")
	}
	if s.tcpServer != nil {
		run(s.tcpServer, "TCP")
	}

	timeout := time.After(2 * time.Second)
	for pending > 0 {
		select {
		case err := <-errChan:
			return err
		case <-started:
			pending--
		case <-timeout:
			return fmt.Errorf("DNS server did not start in time")
		}
	}
	return nil
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown error: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	return nil
}

// handleDNSRequest handles incoming DNS requests
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()

	msg := new(dns.Msg)
	msg.SetReply(r)

	clientIP := extractClientIP(w.RemoteAddr())

	// Upstream is asked at most once per message
	var upstreamResp *dns.Msg
	var upstreamErr error
	asked := false

	for _, question := range r.Question {
		domain := strings.TrimSuffix(question.Name, ".")
		qtype := dns.TypeToString[question.Qtype]

		var action, responseIP string

		if _, monitored := s.monitor.MatchHost(domain); monitored {
			msg.Authoritative = true
			if answer := s.createInterceptResponse(&question); answer != nil {
				msg.Answer = append(msg.Answer, answer)
				responseIP = s.proxyIP.String()
			}
			action = ActionIntercept
		} else {
			if !asked {
				upstreamResp, upstreamErr = s.forwardToUpstream(r)
				asked = true
			}
			if upstreamErr != nil {
				s.logger.Warn().Err(upstreamErr).Str("domain", domain).Msg("Upstream DNS query failed")
				msg.Rcode = dns.RcodeServerFailure
				action = ActionFail
			} else {
				msg.Rcode = upstreamResp.Rcode
				for _, ans := range upstreamResp.Answer {
					if s.bypassTTLCap > 0 && ans.Header().Ttl > s.bypassTTLCap {
						ans.Header().Ttl = s.bypassTTLCap
					}
					msg.Answer = append(msg.Answer, ans)
					if responseIP == "" {
						responseIP = getResponseIP(ans)
					}
				}
				action = ActionBypass
			}
		}

		s.logger.Debug().
			Str("client", clientIP.String()).
			Str("domain", domain).
			Str("type", qtype).
			Str("action", action).
			Str("response_ip", responseIP).
			Int64("latency_ms", time.Since(startTime).Milliseconds()).
			Msg("DNS query processed")

		metrics.DNSQueriesTotal.WithLabelValues(action, qtype).Inc()
		metrics.DNSQueryDuration.WithLabelValues(action).Observe(time.Since(startTime).Seconds())
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// createInterceptResponse returns the proxy address for A queries. Other
// types get an empty answer so clients fall back to IPv4.
func (s *Server) createInterceptResponse(q *dns.Question) dns.RR {
	if q.Qtype != dns.TypeA {
		return nil
	}
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    s.interceptTTL,
		},
		A: s.proxyIP.To4(),
	}
}

// forwardToUpstream forwards a DNS query to upstream DNS servers
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, error) {
	for _, upstream := range s.upstreamDNS {
		resp, _, err := s.client.Exchange(r, upstream)
		if err == nil && resp != nil {
			return resp, nil
		}
		s.logger.Warn().
			Err(err).
			Str("upstream", upstream).
			Msg("Upstream DNS query failed, trying next")

		metrics.DNSUpstreamErrors.WithLabelValues(upstream).Inc()
	}
	return nil, fmt.Errorf("all upstream DNS servers failed")
}

// extractClientIP extracts the client IP from the remote address
func extractClientIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		return nil
	}
}

// getResponseIP extracts the IP address from a DNS answer
func getResponseIP(answer dns.RR) string {
	if a, ok := answer.(*dns.A); ok {
		return a.A.String()
	}
	if aaaa, ok := answer.(*dns.AAAA); ok {
		return aaaa.AAAA.String()
	}
	return ""
}
