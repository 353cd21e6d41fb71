package status

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/ca"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

//go:embed page.html.tmpl
var pageSource string

var pageTemplate = template.Must(template.New("page.html.tmpl").Parse(pageSource))

// Backend is the background service as seen by the status surface.
type Backend interface {
	Stats(ctx context.Context) (bus.Stats, error)
	Reset(ctx context.Context) error
	SetAnnoyanceMode(ctx context.Context, enabled bool) (bool, error)
	AnnoyanceMode(ctx context.Context) (bool, error)
	Daily(ctx context.Context) (bus.Daily, error)
	Post(msg bus.Message) bool
}

// Mounter registers extra routes on the status router.
type Mounter interface {
	Register(r *mux.Router)
}

// Config holds the status server configuration.
type Config struct {
	ListenAddr      string
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
}

// Server is the status surface: a JSON API plus a small HTML page.
type Server struct {
	config     Config
	backend    Backend
	detections storage.DetectionStore
	ca         *ca.CA
	server     *http.Server
	router     *mux.Router
	listener   net.Listener
	startTime  time.Time
	logger     zerolog.Logger
}

// NewServer creates a new status server. detections, pages and certs may be nil.
func NewServer(cfg Config, backend Backend, detections storage.DetectionStore, pages Mounter, certs *ca.CA, logger zerolog.Logger) *Server {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		config:     cfg,
		backend:    backend,
		detections: detections,
		ca:         certs,
		router:     mux.NewRouter(),
		startTime:  time.Now(),
		logger:     logger.With().Str("component", "status").Logger(),
	}

	s.setupRoutes(pages)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(pages Mounter) {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/", s.handlePage).Methods("GET")
	s.router.HandleFunc("/ca.crt", s.handleRootCert).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/annoyance", s.handleGetAnnoyance).Methods("GET")
	api.HandleFunc("/annoyance", s.handleSetAnnoyance).Methods("POST")
	api.HandleFunc("/daily", s.handleDaily).Methods("GET")
	api.HandleFunc("/insights", s.handleInsights).Methods("GET")
	api.HandleFunc("/detections", s.handleDetections).Methods("GET")
	api.HandleFunc("/detect", s.handleDetect).Methods("POST")

	if pages != nil {
		pages.Register(s.router)
	}
}

// Handler returns the status router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the status server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting status server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()

	return nil
}

// Stop gracefully stops the status server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}

	return nil
}

// LoggingMiddleware logs each status request.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Status request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack passes through to the underlying writer for the page websocket.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
