package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/observer"
)

const handshakeTimeout = 10 * time.Second

// handleConnect handles CONNECT requests. Monitored hosts are terminated
// with a local certificate when a CA is loaded so each inner request can be
// counted. Everything else is spliced through unread.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	startTime := s.now()
	authority := r.Host
	if authority == "" {
		authority = r.URL.Host
	}
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(authority, "443")
	}
	host := observer.NormalizeHost(authority)
	monitoredHost, monitored := s.monitorHost(host)

	hostLabel := "other"
	if monitored {
		hostLabel = monitoredHost
	}

	if monitored && s.ca != nil {
		metrics.RequestsTotal.WithLabelValues(hostLabel, ModeIntercept, r.Method).Inc()
		s.intercept(w, host)
		return
	}

	if monitored {
		// Opaque tunnel: one detection for the whole connection
		s.report(monitoredHost, "https://"+authority+"/", startTime)
	}
	metrics.RequestsTotal.WithLabelValues(hostLabel, ModeTunnel, r.Method).Inc()
	s.tunnel(w, r, authority)
	metrics.RequestDuration.WithLabelValues(ModeTunnel).Observe(s.now().Sub(startTime).Seconds())
}

// tunnel splices the client connection to authority.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request, authority string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	upstream, err := s.dial(ctx, "tcp", authority)
	cancel()
	if err != nil {
		s.logger.Debug().Err(err).Str("authority", authority).Msg("Tunnel dial failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close() }()

	conn, brw, ok := s.hijack(w)
	if !ok {
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	s.logger.Debug().Str("authority", authority).Msg("Tunnel opened")
	splice(conn, brw, upstream)
}

// intercept terminates TLS for host on the hijacked client connection and
// serves the inner requests through serve.
func (s *Server) intercept(w http.ResponseWriter, host string) {
	conn, brw, ok := s.hijack(w)
	if !ok {
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	tlsConn := tls.Server(&bufferedConn{Conn: conn, r: brw}, s.ca.TLSConfigFor(host))
	_ = tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("TLS handshake with client failed")
		_ = conn.Close()
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	inner := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, "https", ModeIntercept, host)
		}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Serve returns once the connection is closed or hijacked and closed
	_ = inner.Serve(newOneShotListener(tlsConn))
}

// hijack takes over the client connection and acknowledges the CONNECT.
func (s *Server) hijack(w http.ResponseWriter) (net.Conn, io.Reader, bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Tunneling not supported", http.StatusInternalServerError)
		return nil, nil, false
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hijack client connection")
		return nil, nil, false
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = conn.Close()
		return nil, nil, false
	}
	return conn, brw.Reader, true
}

// splice copies in both directions until either side finishes.
func splice(client net.Conn, clientReader io.Reader, upstream io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// bufferedConn reads through the hijacked bufio.Reader so bytes the client
// sent ahead of the TLS handshake are not lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// oneShotListener hands a single connection to http.Server and then blocks
// until that connection is closed.
type oneShotListener struct {
	conn      net.Conn
	once      sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	l := &oneShotListener{closed: make(chan struct{})}
	l.conn = &notifyConn{Conn: conn, onClose: l.markClosed}
	return l
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	var conn net.Conn
	l.once.Do(func() { conn = l.conn })
	if conn != nil {
		return conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error {
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *oneShotListener) markClosed() {
	l.closeOnce.Do(func() { close(l.closed) })
}

type notifyConn struct {
	net.Conn
	onClose func()
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.onClose()
	return err
}
