package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DNS        DNSConfig        `mapstructure:"dns"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Overlay    OverlayConfig    `mapstructure:"overlay"`
	Response   ResponseConfig   `mapstructure:"response_modification"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	ProxyPort            int    `mapstructure:"proxy_port"`             // Forward proxy (absolute URI + CONNECT)
	TransparentHTTPPort  int    `mapstructure:"transparent_http_port"`  // 0 disables
	TransparentHTTPSPort int    `mapstructure:"transparent_https_port"` // 0 disables
	StatusPort           int    `mapstructure:"status_port"`
	MetricsPort          int    `mapstructure:"metrics_port"`
	DNSPort              int    `mapstructure:"dns_port"`
	DNSEnableUDP         bool   `mapstructure:"dns_enable_udp"`
	DNSEnableTCP         bool   `mapstructure:"dns_enable_tcp"`
	BindAddress          string `mapstructure:"bind_address"`
	ProxyIP              string `mapstructure:"proxy_ip"` // IP address returned in DNS intercept responses
}

// DNSConfig defines DNS intercept settings
type DNSConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	UpstreamServers []string `mapstructure:"upstream_servers"`
	InterceptTTL    uint32   `mapstructure:"intercept_ttl"`
	BypassTTLCap    uint32   `mapstructure:"bypass_ttl_cap"`
	UpstreamTimeout string   `mapstructure:"upstream_timeout"`
}

// TLSConfig defines certificate authority settings
type TLSConfig struct {
	Intercept     bool   `mapstructure:"intercept"`
	CACert        string `mapstructure:"ca_cert"`
	CAKey         string `mapstructure:"ca_key"`
	CertCacheSize int    `mapstructure:"cert_cache_size"`
	CertValidity  string `mapstructure:"cert_validity"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"` // bolt, redis or sqlite
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the redis backend connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level                     string `mapstructure:"level"`
	Format                    string `mapstructure:"format"`
	DetectionLogRetentionDays int    `mapstructure:"detection_log_retention_days"`
}

// DomainConfig is one monitored AI endpoint and its per-request estimate
type DomainConfig struct {
	Host     string  `mapstructure:"host"`
	CO2Grams float64 `mapstructure:"co2_grams"`
}

// TrackingConfig defines detection and counter windowing
type TrackingConfig struct {
	Domains         []DomainConfig `mapstructure:"domains"`
	DefaultCO2Grams float64        `mapstructure:"default_co2_grams"`
	PageMarkers     []string       `mapstructure:"page_markers"`
	SessionWindow   string         `mapstructure:"session_window"`
	DedupeWindow    string         `mapstructure:"dedupe_window"`
	DedupeHosts     int            `mapstructure:"dedupe_hosts"`
	InboxSize       int            `mapstructure:"inbox_size"`
	DayStart        string         `mapstructure:"day_start"`
	PruneAt         string         `mapstructure:"prune_at"`
}

// RungConfig is one row of the escalation threshold table
type RungConfig struct {
	Threshold         int     `mapstructure:"threshold"`
	Level             float64 `mapstructure:"level"`
	RequiresAnnoyance bool    `mapstructure:"requires_annoyance"`
}

// EscalationConfig defines the escalation ladder
type EscalationConfig struct {
	Rungs []RungConfig `mapstructure:"rungs"`
}

// OverlayConfig defines overlay timings and annoyance behaviour
type OverlayConfig struct {
	DisplayTimeout   string  `mapstructure:"display_timeout"`
	AnnoyanceTimeout string  `mapstructure:"annoyance_timeout"`
	FadeDuration     string  `mapstructure:"fade_duration"`
	ShakeInterval    string  `mapstructure:"shake_interval"`
	ShakeStep        float64 `mapstructure:"shake_step"`
	ShakeLimit       float64 `mapstructure:"shake_limit"`
	DodgeAttempts    int     `mapstructure:"dodge_attempts"`
	DodgeRadius      float64 `mapstructure:"dodge_radius"`
	DodgeDistance    float64 `mapstructure:"dodge_distance"`
}

// ResponseConfig defines response modification settings
type ResponseConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	DisabledHosts       []string `mapstructure:"disabled_hosts"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
}

// NotifyConfig defines out-of-page notification delivery
type NotifyConfig struct {
	WebhookURL string    `mapstructure:"webhook_url"`
	Timeout    string    `mapstructure:"timeout"`
	Levels     []float64 `mapstructure:"levels"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := New()

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return decode(v)
}

// New returns a viper instance with defaults and environment bindings applied
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NUDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// DefaultDomains is the monitored-domain table with per-request CO2 grams
func DefaultDomains() []DomainConfig {
	return []DomainConfig{
		{Host: "api.openai.com", CO2Grams: 4.32},
		{Host: "chat.openai.com", CO2Grams: 4.32},
		{Host: "api.anthropic.com", CO2Grams: 3.8},
		{Host: "claude.ai", CO2Grams: 3.8},
		{Host: "generativelanguage.googleapis.com", CO2Grams: 2.9},
		{Host: "gemini.google.com", CO2Grams: 2.9},
		{Host: "bard.google.com", CO2Grams: 2.9},
	}
}

// DefaultRungs is the escalation table, highest threshold first
func DefaultRungs() []RungConfig {
	return []RungConfig{
		{Threshold: 50, Level: 3},
		{Threshold: 30, Level: 2.5, RequiresAnnoyance: true},
		{Threshold: 25, Level: 2},
		{Threshold: 15, Level: 1},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.proxy_port", 8080)
	v.SetDefault("server.transparent_http_port", 0)
	v.SetDefault("server.transparent_https_port", 0)
	v.SetDefault("server.status_port", 8787)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.dns_port", 53)
	v.SetDefault("server.dns_enable_udp", true)
	v.SetDefault("server.dns_enable_tcp", true)
	v.SetDefault("server.bind_address", "127.0.0.1")

	// DNS defaults
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.upstream_servers", []string{"8.8.8.8:53", "1.1.1.1:53"})
	v.SetDefault("dns.intercept_ttl", 60)
	v.SetDefault("dns.bypass_ttl_cap", 300)
	v.SetDefault("dns.upstream_timeout", "5s")

	// TLS defaults
	v.SetDefault("tls.intercept", true)
	v.SetDefault("tls.ca_cert", "/etc/nudgeproxy/ca/root-ca.crt")
	v.SetDefault("tls.ca_key", "/etc/nudgeproxy/ca/root-ca.key")
	v.SetDefault("tls.cert_cache_size", 256)
	v.SetDefault("tls.cert_validity", "24h")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/nudgeproxy/nudgeproxy.bolt")
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "nudge")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.detection_log_retention_days", 30)

	// Tracking defaults
	domains := make([]map[string]any, 0)
	for _, d := range DefaultDomains() {
		domains = append(domains, map[string]any{"host": d.Host, "co2_grams": d.CO2Grams})
	}
	v.SetDefault("tracking.domains", domains)
	v.SetDefault("tracking.default_co2_grams", 3.5)
	v.SetDefault("tracking.page_markers", []string{"openai", "anthropic", "generativelanguage"})
	v.SetDefault("tracking.session_window", "4h")
	v.SetDefault("tracking.dedupe_window", "2s")
	v.SetDefault("tracking.dedupe_hosts", 1024)
	v.SetDefault("tracking.inbox_size", 256)
	v.SetDefault("tracking.day_start", "00:00")
	v.SetDefault("tracking.prune_at", "03:00")

	// Escalation defaults
	rungs := make([]map[string]any, 0)
	for _, r := range DefaultRungs() {
		rungs = append(rungs, map[string]any{
			"threshold":          r.Threshold,
			"level":              r.Level,
			"requires_annoyance": r.RequiresAnnoyance,
		})
	}
	v.SetDefault("escalation.rungs", rungs)

	// Overlay defaults
	v.SetDefault("overlay.display_timeout", "10s")
	v.SetDefault("overlay.annoyance_timeout", "15s")
	v.SetDefault("overlay.fade_duration", "500ms")
	v.SetDefault("overlay.shake_interval", "50ms")
	v.SetDefault("overlay.shake_step", 0.2)
	v.SetDefault("overlay.shake_limit", 30)
	v.SetDefault("overlay.dodge_attempts", 3)
	v.SetDefault("overlay.dodge_radius", 100)
	v.SetDefault("overlay.dodge_distance", 150)

	// Response modification defaults
	v.SetDefault("response_modification.enabled", true)
	v.SetDefault("response_modification.disabled_hosts", []string{})
	v.SetDefault("response_modification.allowed_content_types", []string{"text/html"})

	// Notify defaults
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.levels", []float64{1, 2.5})
}

// validate validates the configuration
func validate(cfg *Config) error {
	for name, port := range map[string]int{
		"proxy":   cfg.Server.ProxyPort,
		"status":  cfg.Server.StatusPort,
		"metrics": cfg.Server.MetricsPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}
	for name, port := range map[string]int{
		"transparent HTTP":  cfg.Server.TransparentHTTPPort,
		"transparent HTTPS": cfg.Server.TransparentHTTPSPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}

	if cfg.DNS.Enabled {
		if len(cfg.DNS.UpstreamServers) == 0 {
			return fmt.Errorf("at least one upstream DNS server is required")
		}
	}

	if len(cfg.Tracking.Domains) == 0 {
		return fmt.Errorf("at least one monitored domain is required")
	}
	for _, d := range cfg.Tracking.Domains {
		if d.Host == "" {
			return fmt.Errorf("monitored domain with empty host")
		}
		if d.CO2Grams < 0 {
			return fmt.Errorf("negative co2_grams for %s", d.Host)
		}
	}
	if cfg.Tracking.DefaultCO2Grams < 0 {
		return fmt.Errorf("default_co2_grams must not be negative")
	}

	for _, key := range []struct {
		name     string
		value    string
		positive bool
	}{
		{"tracking.session_window", cfg.Tracking.SessionWindow, true},
		{"tracking.dedupe_window", cfg.Tracking.DedupeWindow, false},
		{"overlay.display_timeout", cfg.Overlay.DisplayTimeout, true},
		{"overlay.annoyance_timeout", cfg.Overlay.AnnoyanceTimeout, true},
		{"overlay.fade_duration", cfg.Overlay.FadeDuration, false},
		{"overlay.shake_interval", cfg.Overlay.ShakeInterval, true},
	} {
		d, err := time.ParseDuration(key.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key.name, key.value, err)
		}
		if d < 0 || (key.positive && d == 0) {
			return fmt.Errorf("%s must be positive, got %s", key.name, key.value)
		}
	}

	// The shake must reach its limit and re-arm with a real interval
	if cfg.Overlay.ShakeStep <= 0 {
		return fmt.Errorf("overlay.shake_step must be positive")
	}
	if cfg.Overlay.ShakeLimit <= 0 {
		return fmt.Errorf("overlay.shake_limit must be positive")
	}
	if cfg.Overlay.DodgeAttempts < 0 {
		return fmt.Errorf("overlay.dodge_attempts must not be negative")
	}
	if cfg.Overlay.DodgeRadius < 0 || cfg.Overlay.DodgeDistance < 0 {
		return fmt.Errorf("overlay dodge radius and distance must not be negative")
	}

	for name, value := range map[string]string{
		"tracking.day_start": cfg.Tracking.DayStart,
		"tracking.prune_at":  cfg.Tracking.PruneAt,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("invalid %s %q (expected HH:MM): %w", name, value, err)
		}
	}

	if len(cfg.Escalation.Rungs) == 0 {
		return fmt.Errorf("at least one escalation rung is required")
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// Duration parses a duration string, returning fallback if empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
