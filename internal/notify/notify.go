// Package notify delivers escalation events outside the page as webhook
// notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/rs/zerolog"
)

const queueSize = 16

// Config holds notification settings.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
	Levels     []escalation.Level
}

// ConfigFrom converts the notify section.
func ConfigFrom(c config.NotifyConfig) Config {
	levels := make([]escalation.Level, 0, len(c.Levels))
	for _, l := range c.Levels {
		levels = append(levels, escalation.Level(l))
	}
	return Config{
		WebhookURL: c.WebhookURL,
		Timeout:    config.Duration(c.Timeout, 5*time.Second),
		Levels:     levels,
	}
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Level     float64 `json:"level"`
	Requests  int64   `json:"requests"`
	CO2       string  `json:"co2"`
	Timestamp string  `json:"timestamp"`
}

// Notifier forwards every event to the next presenter and posts a webhook
// for the configured levels. Posting happens on a worker goroutine.
type Notifier struct {
	next   usage.Presenter
	url    string
	levels map[escalation.Level]bool
	client *http.Client
	queue  chan Payload
	logger zerolog.Logger
	now    func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a Notifier wrapping next. With no webhook URL it only
// forwards to next.
func New(cfg Config, next usage.Presenter, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	levels := make(map[escalation.Level]bool, len(cfg.Levels))
	for _, l := range cfg.Levels {
		levels[l] = true
	}
	return &Notifier{
		next:   next,
		url:    cfg.WebhookURL,
		levels: levels,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Payload, queueSize),
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	if n.url == "" {
		return
	}
	n.wg.Add(1)
	go n.run()
}

// Stop drains the queue and waits for the worker.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.queue)
	})
	n.wg.Wait()
}

// Present implements usage.Presenter. It never blocks: when the queue is
// full the notification is dropped.
func (n *Notifier) Present(e usage.Event) {
	if n.next != nil {
		n.next.Present(e)
	}
	if n.url == "" || !n.levels[e.Level] {
		return
	}

	title, message, ok := Message(e)
	if !ok {
		return
	}

	payload := Payload{
		Title:     title,
		Message:   message,
		Level:     float64(e.Level),
		Requests:  e.Requests,
		CO2:       e.CO2.StringFixed(1),
		Timestamp: n.now().UTC().Format(time.RFC3339),
	}

	defer func() {
		// send on a closed queue after Stop
		if recover() != nil {
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		}
	}()

	select {
	case n.queue <- payload:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn().Str("level", e.Level.String()).Msg("Notification queue full, dropping")
	}
}

// Message returns the notification copy for an event. Only the gentle
// first warning and annoyance mode have notification copy.
func Message(e usage.Event) (title, message string, ok bool) {
	switch e.Level {
	case escalation.LevelMindful:
		return "🌱 Easy bhai",
			fmt.Sprintf("You've already made %d AI requests. Thoda dimag bhi use kar le 😛", e.Requests),
			true
	case escalation.LevelAnnoyance:
		return "🚨 ANN0YANCE MODE", "Bas bhai bas. Planet literally ro raha hai 😭", true
	}
	return "", "", false
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for payload := range n.queue {
		if err := n.send(payload); err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			n.logger.Warn().Err(err).Msg("Failed to deliver notification")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		n.logger.Debug().Str("title", payload.Title).Msg("Notification delivered")
	}
}

func (n *Notifier) send(payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
