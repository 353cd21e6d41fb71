package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		name      string
		event     usage.Event
		wantTitle string
		wantBody  string
		wantOK    bool
	}{
		{
			name:      "mindful",
			event:     usage.Event{Level: escalation.LevelMindful, Requests: 15},
			wantTitle: "🌱 Easy bhai",
			wantBody:  "You've already made 15 AI requests.",
			wantOK:    true,
		},
		{
			name:      "annoyance",
			event:     usage.Event{Level: escalation.LevelAnnoyance, Requests: 30},
			wantTitle: "🚨 ANN0YANCE MODE",
			wantBody:  "Planet literally ro raha hai",
			wantOK:    true,
		},
		{
			name:   "concerned has no notification",
			event:  usage.Event{Level: escalation.LevelConcerned, Requests: 25},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body, ok := Message(tt.event)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if title != tt.wantTitle {
				t.Errorf("expected title %q, got %q", tt.wantTitle, title)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("expected body to contain %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestNotifierPostsConfiguredLevels(t *testing.T) {
	var mu sync.Mutex
	var got []Payload
	received := make(chan struct{}, 4)

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		received <- struct{}{}
	}))
	defer webhook.Close()

	var forwarded []escalation.Level
	next := usage.PresenterFunc(func(e usage.Event) {
		forwarded = append(forwarded, e.Level)
	})

	n := New(Config{
		WebhookURL: webhook.URL,
		Timeout:    time.Second,
		Levels:     []escalation.Level{escalation.LevelMindful, escalation.LevelAnnoyance},
	}, next, zerolog.Nop())
	n.Start()

	n.Present(usage.Event{Level: escalation.LevelMindful, Requests: 15, CO2: decimal.RequireFromString("64.8")})
	n.Present(usage.Event{Level: escalation.LevelConcerned, Requests: 25})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
	n.Stop()

	if len(forwarded) != 2 {
		t.Errorf("expected every event forwarded, got %v", forwarded)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 webhook call, got %d", len(got))
	}
	if got[0].Title != "🌱 Easy bhai" || got[0].Requests != 15 || got[0].CO2 != "64.8" || got[0].Level != 1 {
		t.Errorf("unexpected payload %+v", got[0])
	}
}

func TestNotifierDoesNotBlockOnSlowWebhook(t *testing.T) {
	release := make(chan struct{})
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer webhook.Close()
	defer close(release)

	n := New(Config{
		WebhookURL: webhook.URL,
		Timeout:    50 * time.Millisecond,
		Levels:     []escalation.Level{escalation.LevelMindful},
	}, nil, zerolog.Nop())
	n.Start()
	defer n.Stop()

	start := time.Now()
	for i := 0; i < queueSize*2; i++ {
		n.Present(usage.Event{Level: escalation.LevelMindful, Requests: int64(i)})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Present blocked for %v", elapsed)
	}
}

func TestNotifierWithoutWebhookOnlyForwards(t *testing.T) {
	calls := 0
	n := New(Config{Levels: []escalation.Level{escalation.LevelMindful}},
		usage.PresenterFunc(func(usage.Event) { calls++ }), zerolog.Nop())
	n.Start()
	n.Present(usage.Event{Level: escalation.LevelMindful})
	n.Stop()

	if calls != 1 {
		t.Errorf("expected 1 forwarded event, got %d", calls)
	}
}
