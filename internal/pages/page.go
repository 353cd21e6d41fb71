package pages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/overlay"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// outbound is a frame sent to the page agent.
type outbound struct {
	Action   string         `json:"action"`
	Page     string         `json:"page,omitempty"`
	Level    float64        `json:"level,omitempty"`
	Requests int64          `json:"requests,omitempty"`
	CO2      float64        `json:"co2,omitempty"`
	URL      string         `json:"url,omitempty"`
	Frame    *overlay.Frame `json:"frame,omitempty"`
}

// inbound is a frame received from the page agent.
type inbound struct {
	Action  string       `json:"action"`
	URL     string       `json:"url"`
	X       float64      `json:"x"`
	Y       float64      `json:"y"`
	Rect    overlay.Rect `json:"rect"`
	Control string       `json:"control"`
	At      int64        `json:"at"` // unix millis when the page issued the request
}

// Inbound actions that stay local to the page.
const (
	actionHello   = "hello"
	actionFocus   = "focus"
	actionPointer = "pointer"
	actionDismiss = "dismiss"
	actionOverlay = "overlay"
	actionOpen    = "open"
)

type page struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	controller  *overlay.Controller
	send        chan []byte
	events      chan usage.Event
	logger      zerolog.Logger
	activatedAt uint64

	// showing is the event being rendered by the page loop.
	showing usage.Event
}

func newPage(id string, conn *websocket.Conn, h *Hub) *page {
	p := &page{
		id:     id,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, h.config.SendBuffer),
		events: make(chan usage.Event, 4),
		logger: h.logger.With().Str("page", id).Logger(),
	}
	p.controller = overlay.NewController(
		h.config.Overlay,
		h.config.Bank,
		h.config.Picker,
		h.config.Scheduler,
		overlay.SinkFunc(p.sendFrame),
		p.logger,
	)
	return p
}

// present queues e for the page loop. It never blocks.
func (p *page) present(e usage.Event) {
	select {
	case p.events <- e:
	default:
		p.logger.Warn().Str("level", e.Level.String()).Msg("Page event queue full, dropping overlay event")
	}
}

func (p *page) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = p.conn.Close() }()

	go p.writeLoop(ctx)
	go p.eventLoop(ctx)

	p.enqueue(outbound{Action: actionHello, Page: p.id})
	p.readLoop(ctx)

	// Leave nothing scheduled against a closed page
	p.controller.Dismiss("disconnect")
}

func (p *page) readLoop(ctx context.Context) {
	p.conn.SetReadLimit(64 * 1024)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug().Err(err).Msg("Page read failed")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Debug().Err(err).Msg("Ignoring malformed page frame")
			continue
		}
		p.handle(ctx, msg)
	}
}

func (p *page) handle(ctx context.Context, msg inbound) {
	switch msg.Action {
	case bus.ActionDetected:
		p.hub.bus.Post(bus.Message{
			Action: bus.ActionDetected,
			URL:    msg.URL,
			Source: storage.SourcePage,
			At:     startedAt(msg.At, time.Now()),
		})

	case actionFocus:
		p.hub.focus(p)

	case actionPointer:
		p.controller.Pointer(overlay.Pointer{X: msg.X, Y: msg.Y, Button: msg.Rect})

	case actionDismiss:
		p.controller.Dismiss(msg.Control)
		if msg.Control == overlay.ControlStats {
			p.openPopup(ctx)
		}

	case bus.ActionOpenPopup:
		p.openPopup(ctx)

	default:
		p.logger.Debug().Str("action", msg.Action).Msg("Ignoring unknown page action")
	}
}

func (p *page) openPopup(ctx context.Context) {
	url, err := p.hub.openPopup(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to resolve status surface")
		return
	}
	p.enqueue(outbound{Action: actionOpen, URL: url})
}

func (p *page) eventLoop(ctx context.Context) {
	for {
		select {
		case e := <-p.events:
			p.showing = e
			if err := p.controller.Show(e); err != nil {
				p.logger.Error().Err(err).Msg("Failed to show overlay")
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendFrame is the controller sink. The show frame carries the logical
// guilt-trip or annoyance message alongside the rendered overlay.
func (p *page) sendFrame(f overlay.Frame) {
	out := outbound{Action: actionOverlay, Frame: &f}
	if f.Type == overlay.FrameShow {
		e := p.showing
		out.Action = bus.ActionShowGuiltTrip
		out.Level = float64(e.Level)
		if e.Level.IsAnnoyance() {
			out.Action = bus.ActionShowAnnoyanceMode
			out.Level = 0
		}
		out.Requests = e.Requests
		out.CO2 = e.CO2.InexactFloat64()
	}
	p.enqueue(out)
}

func (p *page) enqueue(out outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode page frame")
		return
	}
	select {
	case p.send <- data:
	default:
		p.logger.Warn().Str("action", out.Action).Msg("Page send queue full, dropping frame")
	}
}

func (p *page) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug().Err(err).Msg("Page write failed")
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// startedAt resolves the page's request start time. The agent reports after
// the response arrives, so the start is what lines up with the network
// detection. Missing or future stamps fall back to receipt time.
func startedAt(millis int64, received time.Time) time.Time {
	if millis <= 0 {
		return received
	}
	at := time.UnixMilli(millis)
	if at.After(received) {
		return received
	}
	return at
}
