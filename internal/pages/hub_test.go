package pages

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/overlay"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeBus struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (b *fakeBus) Post(msg bus.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return true
}

func (b *fakeBus) PopupURL(context.Context) (string, error) {
	return "http://127.0.0.1:8787/", nil
}

func (b *fakeBus) posted() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Message(nil), b.messages...)
}

type firstPicker struct{}

func (firstPicker) IntN(int) int { return 0 }

func newTestHub(t *testing.T) (*Hub, *fakeBus, *httptest.Server) {
	t.Helper()
	b := &fakeBus{}
	hub, err := NewHub(Config{
		Overlay:   overlay.DefaultConfig(),
		Bank:      overlay.DefaultBank(),
		Picker:    firstPicker{},
		Scheduler: &overlay.ManualScheduler{},
		Markers:   []string{"openai", "anthropic"},
	}, b, zerolog.Nop())
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, b, srv
}

type testPage struct {
	conn *websocket.Conn
	id   string
}

func connect(t *testing.T, srv *httptest.Server) *testPage {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WSPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	p := &testPage{conn: conn}
	hello := p.read(t)
	if hello.Action != actionHello || hello.Page == "" {
		t.Fatalf("expected hello frame, got %+v", hello)
	}
	p.id = hello.Page
	return p
}

func (p *testPage) read(t *testing.T) outbound {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out outbound
	if err := p.conn.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return out
}

func (p *testPage) write(t *testing.T, msg any) {
	t.Helper()
	if err := p.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAgentScript(t *testing.T) {
	_, _, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + AgentPath)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Errorf("unexpected content type %q", ct)
	}
	for _, want := range []string{`["openai","anthropic"]`, `"/__nudge/ws"`, "AI_REQUEST_DETECTED", ".nudge-overlay"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("agent script missing %q", want)
		}
	}
}

func TestPageDetectionIsPosted(t *testing.T) {
	_, b, srv := newTestHub(t)
	p := connect(t, srv)

	p.write(t, map[string]string{"action": bus.ActionDetected, "url": "https://api.openai.com/v1/chat/completions"})
	waitFor(t, func() bool { return len(b.posted()) == 1 })

	msg := b.posted()[0]
	if msg.Source != storage.SourcePage || msg.URL != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected bus message %+v", msg)
	}
}

func TestPageDetectionKeepsStartTime(t *testing.T) {
	_, b, srv := newTestHub(t)
	p := connect(t, srv)

	started := time.Now().Add(-8 * time.Second).Truncate(time.Millisecond)
	p.write(t, map[string]any{
		"action": bus.ActionDetected,
		"url":    "https://api.openai.com/v1/chat/completions",
		"at":     started.UnixMilli(),
	})
	waitFor(t, func() bool { return len(b.posted()) == 1 })

	if got := b.posted()[0].At; !got.Equal(started) {
		t.Errorf("expected start time %v, got %v", started, got)
	}
}

func TestStartedAt(t *testing.T) {
	received := time.Date(2024, 6, 1, 9, 0, 30, 0, time.UTC)
	tests := []struct {
		name   string
		millis int64
		want   time.Time
	}{
		{"missing", 0, received},
		{"before receipt", received.Add(-5 * time.Second).UnixMilli(), received.Add(-5 * time.Second)},
		{"future clamps to receipt", received.Add(time.Minute).UnixMilli(), received},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := startedAt(tt.millis, received); !got.Equal(tt.want) {
				t.Errorf("startedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPresentGoesToActivePage(t *testing.T) {
	hub, _, srv := newTestHub(t)
	first := connect(t, srv)
	second := connect(t, srv)

	waitFor(t, func() bool { return hub.Active() == second.id })

	hub.Present(usage.Event{Level: escalation.LevelMindful, Requests: 15, CO2: decimal.RequireFromString("64.8")})
	show := second.read(t)
	if show.Action != bus.ActionShowGuiltTrip || show.Level != 1 || show.Requests != 15 || show.CO2 != 64.8 {
		t.Fatalf("unexpected show frame %+v", show)
	}
	if show.Frame == nil || show.Frame.Type != overlay.FrameShow || !strings.Contains(show.Frame.HTML, "Quick mindfulness check") {
		t.Fatalf("expected rendered overlay, got %+v", show.Frame)
	}

	first.write(t, map[string]string{"action": actionFocus})
	waitFor(t, func() bool { return hub.Active() == first.id })

	hub.Present(usage.Event{Level: escalation.LevelAnnoyance, Requests: 30, CO2: decimal.RequireFromString("129.6")})
	show = first.read(t)
	if show.Action != bus.ActionShowAnnoyanceMode || show.Requests != 30 {
		t.Fatalf("unexpected annoyance frame %+v", show)
	}
}

func TestActivePageFallsBackOnDisconnect(t *testing.T) {
	hub, _, srv := newTestHub(t)
	first := connect(t, srv)
	second := connect(t, srv)
	waitFor(t, func() bool { return hub.Count() == 2 })

	_ = second.conn.Close()
	waitFor(t, func() bool { return hub.Count() == 1 })
	if hub.Active() != first.id {
		t.Fatalf("expected first page to become active, got %q", hub.Active())
	}

	_ = first.conn.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })

	// No page connected: dropped without blocking
	hub.Present(usage.Event{Level: escalation.LevelMindful})
}

func TestSeeMyStatsOpensStatusSurface(t *testing.T) {
	hub, _, srv := newTestHub(t)
	p := connect(t, srv)

	hub.Present(usage.Event{Level: escalation.LevelConcerned, Requests: 25, CO2: decimal.RequireFromString("108")})
	show := p.read(t)
	if show.Frame == nil {
		t.Fatal("expected overlay frame")
	}

	p.write(t, map[string]string{"action": actionDismiss, "control": overlay.ControlStats})
	remove := p.read(t)
	if remove.Frame == nil || remove.Frame.Type != overlay.FrameRemove || remove.Frame.Overlay != show.Frame.Overlay {
		t.Fatalf("expected remove frame, got %+v", remove)
	}
	open := p.read(t)
	if open.Action != actionOpen || open.URL != "http://127.0.0.1:8787/" {
		t.Fatalf("expected open frame, got %+v", open)
	}
}

func TestOutboundEncoding(t *testing.T) {
	data, err := json.Marshal(outbound{Action: actionOverlay, Frame: &overlay.Frame{Type: overlay.FrameShake, Overlay: "x"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"angle":0`) {
		t.Errorf("expected zero angle to be encoded, got %s", data)
	}
}
