package observer

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/shopspring/decimal"
)

// Detection is a single AI request observed on either path.
type Detection struct {
	Source string    `json:"source"`
	Host   string    `json:"host"`
	URL    string    `json:"url,omitempty"`
	At     time.Time `json:"at"`
}

// Monitor classifies hosts and URLs as AI-service traffic and resolves the
// per-request CO2 estimate.
type Monitor struct {
	hosts    []string
	grams    map[string]decimal.Decimal
	markers  []string
	fallback decimal.Decimal
}

// NewMonitor builds a monitor from the monitored-domain table.
func NewMonitor(domains []config.DomainConfig, markers []string, fallbackGrams float64) (*Monitor, error) {
	m := &Monitor{
		grams:    make(map[string]decimal.Decimal, len(domains)),
		fallback: decimal.NewFromFloat(fallbackGrams),
	}
	for _, d := range domains {
		host := NormalizeHost(d.Host)
		if host == "" {
			return nil, fmt.Errorf("monitored domain with empty host")
		}
		if _, ok := m.grams[host]; ok {
			return nil, fmt.Errorf("duplicate monitored domain: %s", host)
		}
		m.hosts = append(m.hosts, host)
		m.grams[host] = decimal.NewFromFloat(d.CO2Grams)
	}
	for _, marker := range markers {
		if marker = strings.ToLower(strings.TrimSpace(marker)); marker != "" {
			m.markers = append(m.markers, marker)
		}
	}
	return m, nil
}

// FromConfig builds a monitor from the tracking section.
func FromConfig(cfg config.TrackingConfig) (*Monitor, error) {
	return NewMonitor(cfg.Domains, cfg.PageMarkers, cfg.DefaultCO2Grams)
}

// Hosts returns the monitored hosts in configuration order.
func (m *Monitor) Hosts() []string {
	return append([]string(nil), m.hosts...)
}

// MatchHost reports whether host is on the network-layer allowlist. The port
// is ignored and the comparison is case-insensitive.
func (m *Monitor) MatchHost(host string) (string, bool) {
	host = NormalizeHost(host)
	_, ok := m.grams[host]
	return host, ok
}

// URLPatterns returns the allowlist as match patterns, one per host.
func (m *Monitor) URLPatterns() []string {
	patterns := make([]string, 0, len(m.hosts))
	for _, host := range m.hosts {
		patterns = append(patterns, "*://"+host+"/*")
	}
	return patterns
}

// MatchURL reports whether raw contains one of the page-layer markers.
func (m *Monitor) MatchURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, marker := range m.markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Estimate returns the CO2 grams for one request to host.
func (m *Monitor) Estimate(host string) decimal.Decimal {
	if grams, ok := m.grams[NormalizeHost(host)]; ok {
		return grams
	}
	return m.fallback
}

// ClassifyURL turns a page-layer URL into a detection. Hosts that cannot be
// parsed out of raw are left empty and fall back to the default estimate.
func (m *Monitor) ClassifyURL(raw string, at time.Time) (Detection, bool) {
	if !m.MatchURL(raw) {
		return Detection{}, false
	}
	return Detection{
		Source: storage.SourcePage,
		Host:   HostFromURL(raw),
		URL:    raw,
		At:     at,
	}, true
}

// ClassifyHost turns a network-layer host into a detection.
func (m *Monitor) ClassifyHost(host string, at time.Time) (Detection, bool) {
	host, ok := m.MatchHost(host)
	if !ok {
		return Detection{}, false
	}
	return Detection{
		Source: storage.SourceNetwork,
		Host:   host,
		At:     at,
	}, true
}

// NormalizeHost lowercases host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// HostFromURL extracts the normalized host from raw, or "" when raw is not
// an absolute URL.
func HostFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return NormalizeHost(u.Host)
}
