package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/ca"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/dns"
	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/notify"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/goodtune/nudgeproxy/internal/overlay"
	"github.com/goodtune/nudgeproxy/internal/pages"
	"github.com/goodtune/nudgeproxy/internal/proxy"
	"github.com/goodtune/nudgeproxy/internal/status"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/goodtune/nudgeproxy/internal/storage/bolt"
	"github.com/goodtune/nudgeproxy/internal/storage/redis"
	"github.com/goodtune/nudgeproxy/internal/storage/sqlite"
	"github.com/goodtune/nudgeproxy/internal/systemd"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start nudgeproxy server",
	Long:  `Start the proxy, the status surface, optional DNS intercept, and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting nudgeproxy")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	// Detection
	monitor, err := observer.FromConfig(cfg.Tracking)
	if err != nil {
		return fmt.Errorf("failed to build monitor: %w", err)
	}
	deduper, err := observer.NewDeduper(config.Duration(cfg.Tracking.DedupeWindow, observer.DefaultDedupeWindow), cfg.Tracking.DedupeHosts)
	if err != nil {
		return fmt.Errorf("failed to build deduper: %w", err)
	}
	engine, err := escalation.FromConfig(cfg.Escalation)
	if err != nil {
		return fmt.Errorf("invalid escalation table: %w", err)
	}

	// The hub needs the bus and the aggregator needs the hub as presenter.
	// The hub is assigned before the bus starts delivering detections.
	var hub *pages.Hub
	notifier := notify.New(notify.ConfigFrom(cfg.Notify), usage.PresenterFunc(func(e usage.Event) {
		hub.Present(e)
	}), logger)

	aggregator, err := usage.New(context.Background(), store.KV(), usage.Config{
		Estimator:     monitor,
		Engine:        engine,
		SessionWindow: config.Duration(cfg.Tracking.SessionWindow, usage.DefaultSessionWindow),
		DayStart:      cfg.Tracking.DayStart,
	}, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize usage aggregator: %w", err)
	}

	statusAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.StatusPort))
	service := bus.NewService(bus.Config{
		InboxSize: cfg.Tracking.InboxSize,
		StatusURL: "http://" + statusListenAddr(cfg) + "/",
	}, aggregator, monitor, deduper, store.Detections(), logger)

	hub, err = pages.NewHub(pages.Config{
		Overlay: overlay.ConfigFrom(cfg.Overlay),
		Bank:    overlay.DefaultBank(),
		Markers: cfg.Tracking.PageMarkers,
	}, service, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize page hub: %w", err)
	}

	service.Start()
	notifier.Start()
	logger.Info().
		Int("domains", len(monitor.Hosts())).
		Str("session_window", cfg.Tracking.SessionWindow).
		Msg("Usage aggregator initialized")

	// Initialize Certificate Authority
	var certificateAuthority *ca.CA
	if cfg.TLS.Intercept {
		certificateAuthority, err = ca.NewCA(ca.Config{
			RootCertPath: cfg.TLS.CACert,
			RootKeyPath:  cfg.TLS.CAKey,
			CacheSize:    cfg.TLS.CertCacheSize,
			LeafValidity: config.Duration(cfg.TLS.CertValidity, 24*time.Hour),
			Hosts:        monitor,
		}, logger)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("ca_cert", cfg.TLS.CACert).
				Msg("Failed to load Certificate Authority, HTTPS requests will be counted per tunnel (run 'nudgeproxy ca init')")
			certificateAuthority = nil
		} else {
			logger.Info().Msg("Certificate Authority initialized")
		}
	}

	// Initialize Retention Scheduler
	retention, err := usage.NewRetentionScheduler(
		store.Detections(),
		cfg.Logging.DetectionLogRetentionDays,
		cfg.Tracking.PruneAt,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	retention.Start()

	// Initialize DNS Server
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		// ProxyIP - if not configured, auto-detect the server's primary IP
		proxyIP := cfg.Server.ProxyIP
		if proxyIP == "" {
			detectedIP, err := detectServerIP()
			if err != nil {
				return fmt.Errorf("failed to auto-detect server IP. Please set server.proxy_ip in config: %w", err)
			}
			proxyIP = detectedIP
			logger.Info().Str("proxy_ip", proxyIP).Msg("Auto-detected server IP for DNS intercept responses")
		}

		dnsConfig := dns.Config{
			ListenAddr:   net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.DNSPort)),
			ProxyIP:      proxyIP,
			UpstreamDNS:  cfg.DNS.UpstreamServers,
			InterceptTTL: cfg.DNS.InterceptTTL,
			BypassTTLCap: cfg.DNS.BypassTTLCap,
			EnableTCP:    cfg.Server.DNSEnableTCP,
			EnableUDP:    cfg.Server.DNSEnableUDP,
			Timeout:      config.Duration(cfg.DNS.UpstreamTimeout, 5*time.Second),
		}

		dnsServer, err = dns.NewServer(dnsConfig, monitor, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DNS Server: %w", err)
		}

		if sdListeners.Activated {
			dnsServer.SetListeners(sdListeners.DNSUdp, sdListeners.DNSTcp)
		}

		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS Server: %w", err)
		}
	}

	// Initialize Proxy Server
	proxyConfig := proxy.Config{
		ProxyAddr: net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.ProxyPort)),
		Response:  cfg.Response,
	}
	if cfg.Server.TransparentHTTPPort > 0 {
		proxyConfig.HTTPAddr = net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.TransparentHTTPPort))
	}
	if cfg.Server.TransparentHTTPSPort > 0 {
		proxyConfig.HTTPSAddr = net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.TransparentHTTPSPort))
	}

	proxyServer := proxy.NewServer(
		proxyConfig,
		monitor,
		service,
		certificateAuthority,
		hub.Handler(),
		logger,
	)

	if sdListeners.Activated {
		proxyServer.SetListeners(sdListeners.Proxy, sdListeners.HTTP, sdListeners.HTTPS)
	}

	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start Proxy Server: %w", err)
	}

	// Initialize Status Server
	statusServer := status.NewServer(status.Config{
		ListenAddr: statusAddr,
	}, service, store.Detections(), hub, certificateAuthority, logger)

	if sdListeners.Activated && sdListeners.Status != nil {
		statusServer.SetListener(sdListeners.Status)
	}

	if err := statusServer.Start(); err != nil {
		return fmt.Errorf("failed to start Status Server: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	// Log startup complete
	logger.Info().
		Str("proxy", proxyConfig.ProxyAddr).
		Str("transparent_http", proxyConfig.HTTPAddr).
		Str("transparent_https", proxyConfig.HTTPSAddr).
		Str("status", "http://"+statusListenAddr(cfg)+"/").
		Str("metrics", "http://"+metricsAddr+"/metrics").
		Bool("dns", cfg.DNS.Enabled).
		Bool("tls_intercept", certificateAuthority != nil).
		Msg("nudgeproxy startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	stopWatchdog := startWatchdog(logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}
		if certificateAuthority != nil {
			certificateAuthority.ClearCache()
			logger.Info().Msg("SIGHUP received, certificate cache cleared")
		} else {
			logger.Info().Msg("SIGHUP received, nothing to reload")
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	stopWatchdog()

	// Stop inbound surfaces first so nothing new reaches the bus
	if err := proxyServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Proxy Server")
	}

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping DNS Server")
		}
	}

	if err := statusServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Status Server")
	}

	service.Stop()
	notifier.Stop()
	retention.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("nudgeproxy stopped")

	return nil
}

// startWatchdog pings the systemd watchdog when the unit asks for it.
func startWatchdog(logger zerolog.Logger) func() {
	interval := systemd.WatchdogInterval()
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
