package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/goodtune/nudgeproxy/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ErrHostNotMonitored is returned for names outside the monitored domain table.
var ErrHostNotMonitored = errors.New("host is not monitored")

// HostMatcher resolves a requested name to its monitored host.
type HostMatcher interface {
	MatchHost(host string) (string, bool)
}

// Config holds CA configuration
type Config struct {
	RootCertPath string
	RootKeyPath  string
	CacheSize    int
	LeafValidity time.Duration
	Hosts        HostMatcher
}

// CA mints leaf certificates for monitored AI hosts so intercepted tunnels
// can be counted per request. Any other name is refused, so the root can
// never impersonate a site nudgeproxy does not watch.
type CA struct {
	root     *x509.Certificate
	rootPEM  []byte
	signer   crypto.Signer
	hosts    HostMatcher
	validity time.Duration

	mu     sync.Mutex
	leaves *lru.Cache[string, *tls.Certificate]

	logger zerolog.Logger
}

// NewCA loads the root certificate and key.
func NewCA(config Config, logger zerolog.Logger) (*CA, error) {
	if config.Hosts == nil {
		return nil, fmt.Errorf("monitored host table is required")
	}
	if config.LeafValidity <= 0 {
		config.LeafValidity = 24 * time.Hour
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 64
	}

	pair, err := tls.LoadX509KeyPair(config.RootCertPath, config.RootKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}
	if !root.IsCA {
		return nil, fmt.Errorf("%s is not a CA certificate", config.RootCertPath)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("root key cannot sign")
	}

	leaves, err := lru.New[string, *tls.Certificate](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate cache: %w", err)
	}

	ca := &CA{
		root:     root,
		rootPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw}),
		signer:   signer,
		hosts:    config.Hosts,
		validity: config.LeafValidity,
		leaves:   leaves,
		logger:   logger.With().Str("component", "ca").Logger(),
	}

	ca.logger.Info().
		Str("root", root.Subject.CommonName).
		Time("root_expires", root.NotAfter).
		Int("cache_size", config.CacheSize).
		Msg("Certificate Authority loaded")

	return ca, nil
}

// GetCertificate serves the transparent HTTPS listener, keyed by SNI.
func (ca *CA) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, fmt.Errorf("no SNI hostname provided")
	}
	return ca.CertificateFor(hello.ServerName)
}

// TLSConfigFor returns the server side of an intercepted CONNECT to host.
// A client SNI must name a monitored host too.
func (ca *CA) TLSConfigFor(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				return ca.CertificateFor(hello.ServerName)
			}
			return ca.CertificateFor(host)
		},
	}
}

// CertificateFor returns the leaf for name, issuing it on first use.
func (ca *CA) CertificateFor(name string) (*tls.Certificate, error) {
	host, ok := ca.hosts.MatchHost(name)
	if !ok {
		metrics.LeafCertificatesTotal.WithLabelValues("refused").Inc()
		ca.logger.Warn().Str("name", name).Msg("Refusing certificate for unmonitored host")
		return nil, fmt.Errorf("%w: %s", ErrHostNotMonitored, name)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	if leaf, ok := ca.leaves.Get(host); ok && time.Now().Before(leaf.Leaf.NotAfter) {
		metrics.LeafCertificatesTotal.WithLabelValues("cached").Inc()
		return leaf, nil
	}

	leaf, err := ca.issue(host)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate for %s: %w", host, err)
	}
	ca.leaves.Add(host, leaf)
	metrics.LeafCertificatesTotal.WithLabelValues("issued").Inc()
	metrics.LeafCacheEntries.Set(float64(ca.leaves.Len()))
	ca.logger.Debug().Str("host", host).Time("expires", leaf.Leaf.NotAfter).Msg("Issued leaf certificate")

	return leaf, nil
}

func (ca *CA) issue(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notAfter := now.Add(ca.validity)
	if notAfter.After(ca.root.NotAfter) {
		notAfter = ca.root.NotAfter
	}
	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"nudgeproxy"}},
		DNSNames:     []string{host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, ca.root, &key.PublicKey, ca.signer)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// GetRootCertPEM returns the root certificate for client trust stores.
func (ca *CA) GetRootCertPEM() ([]byte, error) {
	return ca.rootPEM, nil
}

// ClearCache drops every issued leaf.
func (ca *CA) ClearCache() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.leaves.Purge()
	metrics.LeafCacheEntries.Set(0)
	ca.logger.Info().Msg("Certificate cache cleared")
}

// Cached reports how many leaves are held.
func (ca *CA) Cached() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.leaves.Len()
}
