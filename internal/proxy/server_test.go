package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/nudgeproxy/internal/ca"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/goodtune/nudgeproxy/internal/pages"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/rs/zerolog"
)

type recordingReporter struct {
	mu         sync.Mutex
	detections []observer.Detection
}

func (r *recordingReporter) Detect(d observer.Detection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
	return true
}

func (r *recordingReporter) all() []observer.Detection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observer.Detection(nil), r.detections...)
}

type testEnv struct {
	reporter *recordingReporter
	client   *http.Client
	upstream *httptest.Server
	hits     *sync.Map
}

func upstreamHandler(hits *sync.Map) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.Host+r.URL.Path, true)
		if strings.HasSuffix(r.URL.Path, "/page") {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html><body><h1>chat</h1></body></html>")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"host":"`+r.Host+`","method":"`+r.Method+`"}`)
	})
}

// newTestEnv starts an upstream server that stands in for every host, and a
// proxy in front of it. Clients trust roots when it is non-nil.
func newTestEnv(t *testing.T, tlsUpstream bool, certs *ca.CA, roots *x509.CertPool) *testEnv {
	t.Helper()

	hits := &sync.Map{}
	var upstream *httptest.Server
	if tlsUpstream {
		upstream = httptest.NewTLSServer(upstreamHandler(hits))
	} else {
		upstream = httptest.NewServer(upstreamHandler(hits))
	}
	t.Cleanup(upstream.Close)

	redirect := func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, upstream.Listener.Addr().String())
	}

	monitor, err := observer.NewMonitor([]config.DomainConfig{
		{Host: "api.openai.com", CO2Grams: 4.32},
		{Host: "claude.ai", CO2Grams: 3.8},
	}, []string{"openai", "anthropic"}, 3.5)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	pageHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "agent:"+r.URL.Path)
	})

	reporter := &recordingReporter{}
	srv := NewServer(Config{
		ProxyAddr: "127.0.0.1:0",
		Response: config.ResponseConfig{
			Enabled:             true,
			AllowedContentTypes: []string{"text/html"},
		},
		Transport: &http.Transport{
			DialContext:     redirect,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Dial: redirect,
	}, monitor, reporter, certs, pageHandler, zerolog.Nop())

	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)

	proxyURL, _ := url.Parse(front.URL)
	clientTLS := &tls.Config{RootCAs: roots}
	if roots == nil {
		clientTLS.InsecureSkipVerify = true
	}
	transport := &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: clientTLS,
	}
	t.Cleanup(transport.CloseIdleConnections)

	return &testEnv{
		reporter: reporter,
		client:   &http.Client{Transport: transport, Timeout: 5 * time.Second},
		upstream: upstream,
		hits:     hits,
	}
}

func (e *testEnv) get(t *testing.T, method, target string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestForwardCountsMonitoredHosts(t *testing.T) {
	env := newTestEnv(t, false, nil, nil)

	status, body := env.get(t, http.MethodPost, "http://API.OpenAI.com/v1/chat/completions")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !strings.Contains(strings.ToLower(body), `"host":"api.openai.com"`) {
		t.Errorf("expected upstream to see original host, got %s", body)
	}

	env.get(t, http.MethodGet, "http://example.com/index.html")

	detections := env.reporter.all()
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	d := detections[0]
	if d.Host != "api.openai.com" || d.Source != storage.SourceNetwork {
		t.Errorf("unexpected detection %+v", d)
	}
	if !strings.HasSuffix(d.URL, "/v1/chat/completions") {
		t.Errorf("expected request URL on detection, got %s", d.URL)
	}
}

func TestForwardInjectsAgent(t *testing.T) {
	env := newTestEnv(t, false, nil, nil)

	_, body := env.get(t, http.MethodGet, "http://claude.ai/page")
	want := "<h1>chat</h1>" + pages.AgentTag() + "</body>"
	if !strings.Contains(body, want) {
		t.Errorf("expected agent tag before </body>, got %s", body)
	}

	_, body = env.get(t, http.MethodGet, "http://example.com/page")
	if strings.Contains(body, pages.AgentTag()) {
		t.Error("unmonitored hosts must not be modified")
	}

	_, body = env.get(t, http.MethodGet, "http://claude.ai/api/data")
	if strings.Contains(body, "<script") {
		t.Error("non-HTML responses must not be modified")
	}
}

func TestPagesPathServedLocally(t *testing.T) {
	env := newTestEnv(t, false, nil, nil)

	status, body := env.get(t, http.MethodGet, "http://claude.ai"+pages.AgentPath)
	if status != http.StatusOK || body != "agent:"+pages.AgentPath {
		t.Fatalf("expected page agent, got %d %q", status, body)
	}
	if _, hit := env.hits.Load("claude.ai" + pages.AgentPath); hit {
		t.Error("agent request must not reach upstream")
	}
	if n := len(env.reporter.all()); n != 0 {
		t.Errorf("agent request must not be counted, got %d detections", n)
	}
}

func TestConnectWithoutCACountsTunnelOnce(t *testing.T) {
	env := newTestEnv(t, true, nil, nil)

	status, body := env.get(t, http.MethodGet, "https://api.openai.com/v1/models")
	if status != http.StatusOK || !strings.Contains(body, "api.openai.com") {
		t.Fatalf("unexpected response %d %s", status, body)
	}

	env.get(t, http.MethodGet, "https://example.com/")

	detections := env.reporter.all()
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection for the tunnel, got %d", len(detections))
	}
	if detections[0].Host != "api.openai.com" {
		t.Errorf("unexpected host %s", detections[0].Host)
	}
}

func TestConnectInterceptCountsEachRequest(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root-ca.crt")
	keyPath := filepath.Join(dir, "root-ca.key")
	if err := ca.GenerateRoot(certPath, keyPath, "nudgeproxy test", time.Hour, false); err != nil {
		t.Fatalf("generate root: %v", err)
	}
	hosts, err := observer.NewMonitor([]config.DomainConfig{{Host: "api.openai.com"}, {Host: "claude.ai"}}, nil, 3.5)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	certs, err := ca.NewCA(ca.Config{RootCertPath: certPath, RootKeyPath: keyPath, Hosts: hosts}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	rootPEM, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		t.Fatal("failed to parse root certificate")
	}

	env := newTestEnv(t, true, certs, roots)

	status, body := env.get(t, http.MethodPost, "https://api.openai.com/v1/chat/completions")
	if status != http.StatusOK || !strings.Contains(body, `"method":"POST"`) {
		t.Fatalf("unexpected response %d %s", status, body)
	}
	env.get(t, http.MethodGet, "https://api.openai.com/v1/models")

	status, body = env.get(t, http.MethodGet, "https://claude.ai"+pages.AgentPath)
	if status != http.StatusOK || body != "agent:"+pages.AgentPath {
		t.Fatalf("expected page agent inside tunnel, got %d %q", status, body)
	}

	detections := env.reporter.all()
	if len(detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(detections))
	}
	for _, d := range detections {
		if d.Host != "api.openai.com" {
			t.Errorf("unexpected host %s", d.Host)
		}
		if !strings.HasPrefix(d.URL, "https://api.openai.com/v1/") {
			t.Errorf("unexpected URL %s", d.URL)
		}
	}
}

func TestProxyRejectsOriginRequests(t *testing.T) {
	srv := NewServer(Config{}, nil, nil, nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-proxy request, got %d", rec.Code)
	}
}
