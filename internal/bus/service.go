package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/goodtune/nudgeproxy/internal/usage"
	"github.com/rs/zerolog"
)

// DefaultInboxSize bounds the number of queued messages.
const DefaultInboxSize = 256

var (
	// ErrStopped is returned by Call once the service has stopped.
	ErrStopped = errors.New("bus: service stopped")
	// ErrUnknownAction is returned for messages with an unrecognised action.
	ErrUnknownAction = errors.New("bus: unknown action")
)

type reply struct {
	value any
	err   error
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan reply
}

// Config holds service configuration
type Config struct {
	InboxSize int
	StatusURL string
}

// Service owns the aggregator and processes messages one at a time, each to
// completion, in arrival order.
type Service struct {
	aggregator *usage.Aggregator
	monitor    *observer.Monitor
	deduper    *observer.Deduper
	detections storage.DetectionStore
	statusURL  string
	inbox      chan envelope
	logger     zerolog.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewService creates a message service. detections may be nil.
func NewService(
	config Config,
	aggregator *usage.Aggregator,
	monitor *observer.Monitor,
	deduper *observer.Deduper,
	detections storage.DetectionStore,
	logger zerolog.Logger,
) *Service {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	return &Service{
		aggregator: aggregator,
		monitor:    monitor,
		deduper:    deduper,
		detections: detections,
		statusURL:  config.StatusURL,
		inbox:      make(chan envelope, config.InboxSize),
		logger:     logger.With().Str("component", "bus").Logger(),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins processing messages.
func (s *Service) Start() {
	go s.run()
	s.logger.Info().Int("inbox_size", cap(s.inbox)).Msg("Message bus started")
}

// Stop stops processing and waits for the in-flight message to finish.
// Messages still queued are discarded.
func (s *Service) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("Message bus stopped")
}

func (s *Service) run() {
	defer close(s.doneChan)
	for {
		select {
		case env := <-s.inbox:
			// A caller that gave up while queued must not see its action applied later
			if err := env.ctx.Err(); err != nil {
				s.logger.Debug().Str("action", env.msg.Action).Err(err).Msg("Skipping expired message")
				if env.reply != nil {
					env.reply <- reply{err: err}
				}
				continue
			}
			value, err := s.handle(env.ctx, env.msg)
			if env.reply != nil {
				env.reply <- reply{value: value, err: err}
			}
		case <-s.stopChan:
			return
		}
	}
}

// Post enqueues a fire-and-forget message. It never blocks. When the inbox
// is full the message is dropped and false is returned.
func (s *Service) Post(msg Message) bool {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	select {
	case <-s.doneChan:
		return false
	default:
	}
	select {
	case s.inbox <- envelope{ctx: context.Background(), msg: msg}:
		return true
	default:
		metrics.BusDroppedTotal.Inc()
		s.logger.Warn().Str("action", msg.Action).Msg("Message bus inbox full, dropping message")
		return false
	}
}

// Call enqueues msg and waits for its reply, bounded by ctx.
func (s *Service) Call(ctx context.Context, msg Message) (any, error) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan reply, 1)}

	select {
	case s.inbox <- env:
	case <-s.doneChan:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-env.reply:
		return r.value, r.err
	case <-s.doneChan:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handle runs on the service goroutine only.
func (s *Service) handle(ctx context.Context, msg Message) (any, error) {
	switch msg.Action {
	case ActionDetected:
		s.detected(ctx, msg)
		return nil, nil

	case ActionGetStats:
		return statsFrom(s.aggregator.Snapshot()), nil

	case ActionReset:
		s.aggregator.Reset(ctx)
		return Ack{Success: true}, nil

	case ActionToggleAnnoyance:
		if msg.Enabled == nil {
			return nil, fmt.Errorf("%s requires enabled", msg.Action)
		}
		enabled := s.aggregator.SetAnnoyanceMode(ctx, *msg.Enabled)
		return Ack{Success: true, Enabled: &enabled}, nil

	case ActionGetAnnoyance:
		return AnnoyanceState{Enabled: s.aggregator.AnnoyanceMode()}, nil

	case ActionGetDailyStats:
		return dailyFrom(s.aggregator.Daily()), nil

	case ActionOpenPopup:
		return PopupTarget{URL: s.statusURL}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

func (s *Service) detected(ctx context.Context, msg Message) {
	var (
		detection observer.Detection
		ok        bool
	)
	if msg.Source == storage.SourceNetwork {
		detection, ok = s.monitor.ClassifyHost(msg.Host, msg.At)
		detection.URL = msg.URL
	} else {
		detection, ok = s.monitor.ClassifyURL(msg.URL, msg.At)
	}
	if !ok {
		s.logger.Debug().
			Str("source", msg.Source).
			Str("host", msg.Host).
			Str("url", msg.URL).
			Msg("Ignoring unmonitored detection")
		return
	}

	if s.deduper != nil && !s.deduper.Admit(detection) {
		metrics.DuplicateDetectionsTotal.WithLabelValues(detection.Source).Inc()
		s.logger.Debug().
			Str("source", detection.Source).
			Str("host", detection.Host).
			Msg("Dropping duplicate detection")
		return
	}

	result := s.aggregator.RecordRequest(ctx, detection.Host)

	hostLabel := "other"
	if _, monitored := s.monitor.MatchHost(detection.Host); monitored {
		hostLabel = detection.Host
	}
	metrics.DetectionsTotal.WithLabelValues(detection.Source, hostLabel).Inc()

	if s.detections == nil {
		return
	}
	if err := s.detections.Add(ctx, storage.Detection{
		Timestamp: detection.At,
		Source:    detection.Source,
		Host:      detection.Host,
		URL:       detection.URL,
		CO2Grams:  result.CO2Grams,
		Level:     float64(result.Level),
	}); err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("detection").Inc()
		s.logger.Error().Err(err).Str("host", detection.Host).Msg("Failed to write detection log")
	}
}

// Detect posts a detection. It never blocks.
func (s *Service) Detect(d observer.Detection) bool {
	return s.Post(Message{
		Action: ActionDetected,
		URL:    d.URL,
		Host:   d.Host,
		Source: d.Source,
		At:     d.At,
	})
}

// Stats returns the current counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	v, err := s.Call(ctx, Message{Action: ActionGetStats})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

// Reset zeroes the counters.
func (s *Service) Reset(ctx context.Context) error {
	_, err := s.Call(ctx, Message{Action: ActionReset})
	return err
}

// SetAnnoyanceMode sets the annoyance flag and returns the stored value.
func (s *Service) SetAnnoyanceMode(ctx context.Context, enabled bool) (bool, error) {
	v, err := s.Call(ctx, Message{Action: ActionToggleAnnoyance, Enabled: &enabled})
	if err != nil {
		return false, err
	}
	return *v.(Ack).Enabled, nil
}

// AnnoyanceMode returns the annoyance flag.
func (s *Service) AnnoyanceMode(ctx context.Context) (bool, error) {
	v, err := s.Call(ctx, Message{Action: ActionGetAnnoyance})
	if err != nil {
		return false, err
	}
	return v.(AnnoyanceState).Enabled, nil
}

// Daily returns per-day usage.
func (s *Service) Daily(ctx context.Context) (Daily, error) {
	v, err := s.Call(ctx, Message{Action: ActionGetDailyStats})
	if err != nil {
		return Daily{}, err
	}
	return v.(Daily), nil
}

// PopupURL returns where the status surface is served.
func (s *Service) PopupURL(ctx context.Context) (string, error) {
	v, err := s.Call(ctx, Message{Action: ActionOpenPopup})
	if err != nil {
		return "", err
	}
	return v.(PopupTarget).URL, nil
}
