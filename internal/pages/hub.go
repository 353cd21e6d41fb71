package pages

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/overlay"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Paths served by the hub.
const (
	PathPrefix = "/__nudge/"
	AgentPath  = PathPrefix + "agent.js"
	WSPath     = PathPrefix + "ws"
)

//go:embed agent.js
var agentSource string

//go:embed agent.css
var agentCSS string

var agentTemplate = template.Must(template.New("agent.js").Parse(agentSource))

// Bus is the background service as seen by pages.
type Bus interface {
	Post(msg bus.Message) bool
	PopupURL(ctx context.Context) (string, error)
}

// Config holds hub configuration
type Config struct {
	Overlay   overlay.Config
	Bank      overlay.Bank
	Picker    overlay.Picker
	Scheduler overlay.Scheduler
	Markers   []string

	// SendBuffer bounds queued outbound frames per page.
	SendBuffer int
}

// Hub tracks connected page contexts and routes escalation events to the
// active one.
type Hub struct {
	config   Config
	bus      Bus
	agent    []byte
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu         sync.Mutex
	pages      map[string]*page
	active     string
	activation uint64
}

// NewHub creates a page hub.
func NewHub(config Config, b Bus, logger zerolog.Logger) (*Hub, error) {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	markers, err := json.Marshal(config.Markers)
	if err != nil {
		return nil, err
	}
	css, err := json.Marshal(agentCSS)
	if err != nil {
		return nil, err
	}
	path, err := json.Marshal(WSPath)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := agentTemplate.Execute(&buf, map[string]string{
		"Markers": string(markers),
		"CSS":     string(css),
		"WSPath":  string(path),
	}); err != nil {
		return nil, err
	}

	return &Hub{
		config: config,
		bus:    b,
		agent:  buf.Bytes(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "pages").Logger(),
		pages:  make(map[string]*page),
	}, nil
}

// Handler serves the agent script and the page websocket.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// Register adds the hub routes to r.
func (h *Hub) Register(r *mux.Router) {
	r.HandleFunc(AgentPath, h.handleAgent).Methods(http.MethodGet)
	r.HandleFunc(WSPath, h.handleWS).Methods(http.MethodGet)
}

// AgentTag is the script element injected into monitored pages.
func AgentTag() string {
	return `<script src="` + AgentPath + `" async></script>`
}

func (h *Hub) handleAgent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(h.agent); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write agent script")
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	p := newPage(uuid.NewString(), conn, h)
	h.add(p)
	defer h.remove(p)

	h.logger.Info().
		Str("page", p.id).
		Str("origin", r.Header.Get("Origin")).
		Msg("Page connected")

	p.run(r.Context())
}

// Present delivers e to the active page without blocking.
func (h *Hub) Present(e usage.Event) {
	h.mu.Lock()
	p := h.pages[h.active]
	h.mu.Unlock()

	if p == nil {
		h.logger.Info().
			Str("level", e.Level.String()).
			Int64("requests", e.Requests).
			Msg("No page connected, dropping overlay event")
		return
	}
	p.present(e)
}

// Active returns the ID of the page receiving overlays.
func (h *Hub) Active() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

func (h *Hub) add(p *page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[p.id] = p
	h.activateLocked(p)
	metrics.PagesConnected.Set(float64(len(h.pages)))
}

func (h *Hub) remove(p *page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pages, p.id)
	metrics.PagesConnected.Set(float64(len(h.pages)))

	if h.active != p.id {
		return
	}
	h.active = ""
	var best *page
	for _, other := range h.pages {
		if best == nil || other.activatedAt > best.activatedAt {
			best = other
		}
	}
	if best != nil {
		h.active = best.id
	}
	h.logger.Info().Str("page", p.id).Str("active", h.active).Msg("Page disconnected")
}

func (h *Hub) focus(p *page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[p.id]; ok {
		h.activateLocked(p)
	}
}

func (h *Hub) activateLocked(p *page) {
	h.activation++
	p.activatedAt = h.activation
	h.active = p.id
}

func (h *Hub) openPopup(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.bus.PopupURL(ctx)
}
