package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Detection metrics
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_detections_total",
			Help: "AI requests counted by the aggregator",
		},
		[]string{"source", "host"},
	)

	DuplicateDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_duplicate_detections_total",
			Help: "Detections dropped because the other path already reported the request",
		},
		[]string{"source"},
	)

	CO2GramsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_co2_grams_total",
			Help: "Estimated CO2 grams attributed to counted AI requests",
		},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_escalations_total",
			Help: "Warning level increases within a session",
		},
		[]string{"level"},
	)

	SessionResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_session_resets_total",
			Help: "Session resets by cause",
		},
		[]string{"cause"},
	)

	PersistErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_persist_errors_total",
			Help: "Counter store load/save failures",
		},
		[]string{"op"},
	)

	BusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_bus_dropped_total",
			Help: "Fire-and-forget messages dropped because the aggregator inbox was full",
		},
	)

	// Overlay metrics
	OverlaysShownTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_overlays_shown_total",
			Help: "Overlays pushed to a page",
		},
		[]string{"variant"},
	)

	OverlaysDismissedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_overlays_dismissed_total",
			Help: "Overlays removed from a page by reason",
		},
		[]string{"reason"},
	)

	PagesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_pages_connected",
			Help: "Page contexts connected over the agent websocket",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_notifications_total",
			Help: "Webhook notifications by result",
		},
		[]string{"result"},
	)

	// Proxy metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_proxy_requests_total",
			Help: "Requests handled by the proxy",
		},
		[]string{"host", "mode", "method"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_proxy_active_tunnels",
			Help: "Number of open CONNECT tunnels",
		},
	)

	// DNS metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_dns_queries_total",
			Help: "Total DNS queries received",
		},
		[]string{"action", "query_type"},
	)

	DNSQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_dns_query_duration_seconds",
			Help:    "DNS query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"action"},
	)

	DNSUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_dns_upstream_errors_total",
			Help: "DNS upstream query errors",
		},
		[]string{"upstream"},
	)

	// Interception CA metrics
	LeafCertificatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_ca_leaf_certificates_total",
			Help: "Leaf certificate lookups by result (cached, issued, refused)",
		},
		[]string{"result"},
	)

	LeafCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_ca_leaf_cache_entries",
			Help: "Leaf certificates currently cached",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DetectionsTotal,
		DuplicateDetectionsTotal,
		CO2GramsTotal,
		EscalationsTotal,
		SessionResetsTotal,
		PersistErrorsTotal,
		BusDroppedTotal,
		OverlaysShownTotal,
		OverlaysDismissedTotal,
		PagesConnected,
		NotificationsTotal,
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		DNSQueriesTotal,
		DNSQueryDuration,
		DNSUpstreamErrors,
		LeafCertificatesTotal,
		LeafCacheEntries,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
