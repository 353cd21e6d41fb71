package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/nudgeproxy/internal/ca"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/goodtune/nudgeproxy/internal/pages"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/rs/zerolog"
)

// Proxy modes, used as log fields and metric labels.
const (
	ModeForward     = "forward"
	ModeTunnel      = "tunnel"
	ModeIntercept   = "intercept"
	ModeTransparent = "transparent"
)

// Reporter receives network-layer detections. Detect must not block.
type Reporter interface {
	Detect(observer.Detection) bool
}

// Config holds proxy server configuration
type Config struct {
	ProxyAddr string
	HTTPAddr  string // transparent HTTP, empty disables
	HTTPSAddr string // transparent HTTPS, empty disables

	Response config.ResponseConfig

	// Transport and Dial reach upstream servers. Nil means direct connections.
	Transport *http.Transport
	Dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Server is the network-layer observer: a forward proxy plus optional
// transparent listeners.
type Server struct {
	forwardServer *http.Server
	httpServer    *http.Server
	httpsServer   *http.Server

	forwardListener net.Listener
	httpListener    net.Listener
	httpsListener   net.Listener

	monitor   *observer.Monitor
	reporter  Reporter
	ca        *ca.CA
	pages     http.Handler
	modifier  *Modifier
	transport *http.Transport
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	now       func() time.Time
	logger    zerolog.Logger
}

// NewServer creates a new proxy server. certs may be nil, in which case
// CONNECT tunnels are never intercepted and the transparent HTTPS listener
// stays off.
func NewServer(
	config Config,
	monitor *observer.Monitor,
	reporter Reporter,
	certs *ca.CA,
	pageHandler http.Handler,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		monitor:  monitor,
		reporter: reporter,
		ca:       certs,
		pages:    pageHandler,
		modifier: NewModifier(config.Response, pages.AgentTag()),
		now:      time.Now,
		logger:   logger.With().Str("component", "proxy").Logger(),
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	s.dial = config.Dial
	if s.dial == nil {
		s.dial = dialer.DialContext
	}

	s.transport = config.Transport
	if s.transport == nil {
		s.transport = &http.Transport{
			DialContext:           s.dial,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	s.forwardServer = &http.Server{
		Addr:              config.ProxyAddr,
		Handler:           http.HandlerFunc(s.handleForward),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if config.HTTPAddr != "" {
		s.httpServer = &http.Server{
			Addr: config.HTTPAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				s.serve(w, r, "http", ModeTransparent, "")
			}),
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	if config.HTTPSAddr != "" {
		if certs == nil {
			s.logger.Warn().Str("addr", config.HTTPSAddr).Msg("No CA loaded, transparent HTTPS listener disabled")
		} else {
			s.httpsServer = &http.Server{
				Addr: config.HTTPSAddr,
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					s.serve(w, r, "https", ModeTransparent, "")
				}),
				ReadHeaderTimeout: 30 * time.Second,
				IdleTimeout:       60 * time.Second,
				TLSConfig: &tls.Config{
					GetCertificate: certs.GetCertificate,
					MinVersion:     tls.VersionTLS12,
					NextProtos:     []string{"http/1.1"},
				},
			}
		}
	}

	return s
}

// SetListeners sets pre-created listeners for systemd socket activation.
// Nil listeners are bound on Start.
func (s *Server) SetListeners(forward, plain, secure net.Listener) {
	s.forwardListener = forward
	s.httpListener = plain
	s.httpsListener = secure
}

// Start starts the proxy servers
func (s *Server) Start() error {
	errChan := make(chan error, 3)

	go func() {
		s.logger.Info().Str("addr", s.forwardServer.Addr).Msg("Starting forward proxy server")
		var err error
		if s.forwardListener != nil {
			err = s.forwardServer.Serve(s.forwardListener)
		} else {
			err = s.forwardServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("forward proxy error: %w", err)
		}
	}()

	if s.httpServer != nil {
		go func() {
			s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting transparent HTTP server")
			var err error
			if s.httpListener != nil {
				err = s.httpServer.Serve(s.httpListener)
			} else {
				err = s.httpServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	if s.httpsServer != nil {
		go func() {
			s.logger.Info().Str("addr", s.httpsServer.Addr).Msg("Starting transparent HTTPS server")
			var err error
			if s.httpsListener != nil {
				err = s.httpsServer.ServeTLS(s.httpsListener, "", "")
			} else {
				err = s.httpsServer.ListenAndServeTLS("", "")
			}
			if err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("HTTPS server error: %w", err)
			}
		}()
	}

	// Wait a bit to ensure servers started
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop stops the proxy servers
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping proxy servers")

	// Give servers 5 seconds to shutdown gracefully
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for name, srv := range map[string]*http.Server{
		"forward": s.forwardServer,
		"HTTP":    s.httpServer,
		"HTTPS":   s.httpsServer,
	} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server shutdown error: %w", name, err))
		}
	}
	s.transport.CloseIdleConnections()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	return nil
}

// Handler returns the forward proxy handler.
func (s *Server) Handler() http.Handler {
	return s.forwardServer.Handler
}

// handleForward handles requests on the forward proxy port
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}

	if !r.URL.IsAbs() {
		// Addressed to the proxy itself
		if s.pages != nil && strings.HasPrefix(r.URL.Path, pages.PathPrefix) {
			s.pages.ServeHTTP(w, r)
			return
		}
		http.Error(w, "nudgeproxy is a proxy; configure it as your HTTP proxy", http.StatusBadRequest)
		return
	}

	s.serve(w, r, r.URL.Scheme, ModeForward, "")
}

// serve handles one plain request: forward, transparent, or from inside an
// intercepted tunnel. fallbackHost is used when the request has no Host.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, scheme, mode, fallbackHost string) {
	startTime := s.now()

	authority := r.Host
	if authority == "" {
		authority = fallbackHost
	}
	host := observer.NormalizeHost(authority)
	monitoredHost, monitored := s.monitorHost(host)

	if monitored && s.pages != nil && strings.HasPrefix(r.URL.Path, pages.PathPrefix) {
		s.pages.ServeHTTP(w, r)
		return
	}

	target := scheme + "://" + authority + r.URL.RequestURI()
	if monitored {
		s.report(monitoredHost, target, startTime)
	}

	status, size := s.handleProxy(w, r, target, host, monitored)

	hostLabel := "other"
	if monitored {
		hostLabel = monitoredHost
	}
	metrics.RequestsTotal.WithLabelValues(hostLabel, mode, r.Method).Inc()
	metrics.RequestDuration.WithLabelValues(mode).Observe(s.now().Sub(startTime).Seconds())
	s.logRequest(r, mode, host, monitored, status, size, s.now().Sub(startTime).Milliseconds())
}

// handleProxy proxies the request to target and returns the status and body
// size written to the client.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, target, host string, monitored bool) (int, int64) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		s.logger.Error().Err(err).Str("url", target).Msg("Failed to create upstream request")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0
	}
	upstreamReq.ContentLength = r.ContentLength

	// Copy headers
	for key, values := range r.Header {
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}

	removeHopByHopHeaders(upstreamReq.Header)
	upstreamReq.Header.Del("Proxy-Connection")
	if isUpgrade(r.Header) {
		upstreamReq.Header.Set("Connection", "Upgrade")
		upstreamReq.Header.Set("Upgrade", r.Header.Get("Upgrade"))
	}

	modify := monitored && s.modifier.Enabled(host)
	if modify {
		// Let the transport negotiate and decode compression so HTML can be edited
		upstreamReq.Header.Del("Accept-Encoding")
	}

	resp, err := s.transport.RoundTrip(upstreamReq)
	if err != nil {
		s.logger.Error().Err(err).Str("url", target).Msg("Upstream request failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		return s.handleUpgrade(w, resp)
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if modify && s.modifier.ShouldModify(host, resp.Header.Get("Content-Type")) && resp.Header.Get("Content-Encoding") == "" {
		injected, changed := s.injectAgent(resp)
		if injected != nil {
			body = bytes.NewReader(injected)
			if changed {
				resp.Header.Set("Content-Length", strconv.Itoa(len(injected)))
			}
		} else {
			body = resp.Body
		}
	}

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	// Remove hop-by-hop headers
	removeHopByHopHeaders(w.Header())

	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, body)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", target).Msg("Failed to copy response body")
	}
	return resp.StatusCode, n
}

// injectAgent buffers an HTML body and injects the agent tag. It returns the
// buffered body and whether it was changed. A nil body means nothing was
// consumed from resp.
func (s *Server) injectAgent(resp *http.Response) ([]byte, bool) {
	if resp.ContentLength > maxModifyBytes {
		return nil, false
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxModifyBytes+1))
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to buffer response for injection")
		// Pass through what was read followed by the rest
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return nil, false
	}
	if len(buf) > maxModifyBytes {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return nil, false
	}
	return s.modifier.Inject(buf)
}

// handleUpgrade relays a 101 Switching Protocols response, websocket for
// example, and splices the two connections together.
func (s *Server) handleUpgrade(w http.ResponseWriter, resp *http.Response) (int, int64) {
	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		_ = resp.Body.Close()
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0
	}
	defer func() { _ = upstream.Close() }()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Upgrade not supported", http.StatusInternalServerError)
		return http.StatusInternalServerError, 0
	}

	conn, brw, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hijack upgraded connection")
		return http.StatusBadGateway, 0
	}
	defer func() { _ = conn.Close() }()

	resp.Body = nil
	if err := resp.Write(brw); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write upgrade response")
		return http.StatusSwitchingProtocols, 0
	}
	if err := brw.Flush(); err != nil {
		return http.StatusSwitchingProtocols, 0
	}

	splice(conn, brw.Reader, upstream)
	return http.StatusSwitchingProtocols, 0
}

func (s *Server) monitorHost(host string) (string, bool) {
	if s.monitor == nil {
		return "", false
	}
	return s.monitor.MatchHost(host)
}

// report posts a detection for host. It never blocks the request.
func (s *Server) report(host, target string, at time.Time) {
	if s.reporter == nil {
		return
	}
	if !s.reporter.Detect(observer.Detection{
		Source: storage.SourceNetwork,
		Host:   host,
		URL:    target,
		At:     at,
	}) {
		s.logger.Debug().Str("host", host).Msg("Detection not accepted by bus")
	}
}

// extractClientIP extracts the client IP from the request
func extractClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// logRequest logs a proxied request to structured logger
func (s *Server) logRequest(r *http.Request, mode, host string, counted bool, statusCode int, responseSize int64, durationMS int64) {
	s.logger.Debug().
		Str("client_ip", extractClientIP(r).String()).
		Str("method", r.Method).
		Str("host", host).
		Str("path", r.URL.Path).
		Str("mode", mode).
		Bool("counted", counted).
		Int("status_code", statusCode).
		Int64("response_size", responseSize).
		Int64("duration_ms", durationMS).
		Msg("Proxy request processed")
}

func isUpgrade(h http.Header) bool {
	if h.Get("Upgrade") == "" {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// removeHopByHopHeaders removes hop-by-hop headers
func removeHopByHopHeaders(h http.Header) {
	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"TE",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	}

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
