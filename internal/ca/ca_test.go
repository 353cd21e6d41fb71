package ca

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type hostSet map[string]bool

func (h hostSet) MatchHost(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	return name, h[name]
}

var testHosts = hostSet{"api.openai.com": true, "claude.ai": true, "api.anthropic.com": true}

func newTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root-ca.crt")
	keyPath := filepath.Join(dir, "root-ca.key")

	if err := GenerateRoot(certPath, keyPath, "nudgeproxy test root", 24*time.Hour, false); err != nil {
		t.Fatalf("generate root: %v", err)
	}
	if err := GenerateRoot(certPath, keyPath, "again", time.Hour, false); err == nil {
		t.Fatal("expected refusal to overwrite existing root")
	}

	ca, err := NewCA(Config{
		RootCertPath: certPath,
		RootKeyPath:  keyPath,
		CacheSize:    4,
		LeafValidity: time.Hour,
		Hosts:        testHosts,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	return ca
}

func TestCertificateForIsSignedByRoot(t *testing.T) {
	ca := newTestCA(t)

	cert, err := ca.CertificateFor("API.OpenAI.com.")
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.root)
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{
		DNSName: "api.openai.com",
		Roots:   pool,
	}); err != nil {
		t.Fatalf("leaf does not verify against root: %v", err)
	}
	if cert.Leaf.NotAfter.After(time.Now().Add(time.Hour + time.Minute)) {
		t.Errorf("leaf outlives configured validity: %v", cert.Leaf.NotAfter)
	}

	again, err := ca.CertificateFor("api.openai.com")
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if again != cert {
		t.Error("expected cached certificate")
	}
	if n := ca.Cached(); n != 1 {
		t.Errorf("expected 1 cached leaf, got %d", n)
	}

	ca.ClearCache()
	if n := ca.Cached(); n != 0 {
		t.Errorf("expected empty cache after clear, got %d", n)
	}
}

func TestUnmonitoredHostsAreRefused(t *testing.T) {
	ca := newTestCA(t)

	tests := []struct {
		name string
		get  func() (*tls.Certificate, error)
	}{
		{"direct", func() (*tls.Certificate, error) { return ca.CertificateFor("www.example.com") }},
		{"transparent sni", func() (*tls.Certificate, error) {
			return ca.GetCertificate(&tls.ClientHelloInfo{ServerName: "bank.example.com"})
		}},
		{"tunnel sni", func() (*tls.Certificate, error) {
			return ca.TLSConfigFor("claude.ai").GetCertificate(&tls.ClientHelloInfo{ServerName: "mail.example.com"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := tt.get()
			if !errors.Is(err, ErrHostNotMonitored) {
				t.Fatalf("expected ErrHostNotMonitored, got %v", err)
			}
			if cert != nil {
				t.Error("expected no certificate")
			}
		})
	}
	if n := ca.Cached(); n != 0 {
		t.Errorf("refused names must not be cached, got %d", n)
	}
}

func TestTLSConfigForFallsBackToTunnelHost(t *testing.T) {
	ca := newTestCA(t)
	cfg := ca.TLSConfigFor("claude.ai")

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "claude.ai" {
		t.Errorf("expected tunnel host certificate, got %s", cert.Leaf.Subject.CommonName)
	}

	cert, err = cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.anthropic.com"})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "api.anthropic.com" {
		t.Errorf("expected SNI certificate, got %s", cert.Leaf.Subject.CommonName)
	}

	if _, err := ca.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Error("expected error without SNI")
	}
}

func TestNewCARequiresHostTable(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root-ca.crt")
	keyPath := filepath.Join(dir, "root-ca.key")
	if err := GenerateRoot(certPath, keyPath, "nudgeproxy test root", time.Hour, false); err != nil {
		t.Fatalf("generate root: %v", err)
	}
	if _, err := NewCA(Config{RootCertPath: certPath, RootKeyPath: keyPath}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without a host table")
	}
	if _, err := NewCA(Config{RootCertPath: filepath.Join(dir, "missing.crt"), RootKeyPath: keyPath, Hosts: testHosts}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a missing root")
	}
}
