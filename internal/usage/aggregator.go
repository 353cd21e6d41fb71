package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/goodtune/nudgeproxy/internal/metrics"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultSessionWindow is how long a session lasts from its start
	DefaultSessionWindow = 4 * time.Hour

	dayKeyLayout = "2006-01-02"
)

// DefaultCO2Grams is the estimate for hosts missing from the domain table.
var DefaultCO2Grams = decimal.RequireFromString("3.5")

// Config holds aggregator configuration
type Config struct {
	Estimator     Estimator
	Engine        *escalation.Engine
	SessionWindow time.Duration
	DayStart      string // HH:MM, the local time a new calendar day begins
	Clock         Clock
}

type constantEstimator decimal.Decimal

func (c constantEstimator) Estimate(string) decimal.Decimal { return decimal.Decimal(c) }

// Aggregator is the single owner of the usage counters. Every mutation runs
// under one lock, including persistence and the escalation decision, so
// concurrent callers can neither lose an increment nor fire the same level twice.
type Aggregator struct {
	kv            storage.KVStore
	estimator     Estimator
	engine        *escalation.Engine
	presenter     Presenter
	sessionWindow time.Duration
	dayStart      time.Time
	clock         Clock
	state         storage.Counters
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// New loads persisted counters and returns a ready aggregator. A failed load
// is logged and the aggregator starts from zero values.
func New(ctx context.Context, kv storage.KVStore, config Config, presenter Presenter, logger zerolog.Logger) (*Aggregator, error) {
	if config.Estimator == nil {
		config.Estimator = constantEstimator(DefaultCO2Grams)
	}
	if config.Engine == nil {
		config.Engine = escalation.Default()
	}
	if config.SessionWindow <= 0 {
		config.SessionWindow = DefaultSessionWindow
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if config.DayStart == "" {
		config.DayStart = "00:00"
	}
	if presenter == nil {
		presenter = nopPresenter{}
	}

	dayStart, err := time.Parse("15:04", config.DayStart)
	if err != nil {
		return nil, fmt.Errorf("invalid day start %q: %w", config.DayStart, err)
	}

	a := &Aggregator{
		kv:            kv,
		estimator:     config.Estimator,
		engine:        config.Engine,
		presenter:     presenter,
		sessionWindow: config.SessionWindow,
		dayStart:      dayStart,
		clock:         config.Clock,
		logger:        logger.With().Str("component", "usage-aggregator").Logger(),
	}

	loaded := true
	state, err := storage.LoadCounters(ctx, kv)
	if err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("load").Inc()
		a.logger.Error().Err(err).Msg("Failed to load counters, starting from defaults")
		state = storage.Counters{DailyStats: map[string]storage.DayStats{}}
		loaded = false
	}
	a.state = state

	now := a.clock.Now()
	if a.state.SessionStart.IsZero() {
		a.state.SessionStart = now
	}
	today := a.dayKey(now)
	if _, ok := a.state.DailyStats[today]; !ok {
		a.state.DailyStats[today] = storage.DayStats{}
	}

	// Do not overwrite state we failed to read
	if loaded {
		a.persist(ctx, "startup", storage.KeySessionStart, storage.KeyDailyStats)
	}

	a.logger.Info().
		Int64("requests", a.state.Requests).
		Str("co2_grams", a.state.CO2.String()).
		Float64("warning_level", a.state.WarningLevel).
		Bool("annoyance_mode", a.state.AnnoyanceMode).
		Time("session_start", a.state.SessionStart).
		Msg("Usage aggregator initialized")

	return a, nil
}

// RecordRequest counts one AI request to host, updates the session window and
// escalates when a new level is reached.
func (a *Aggregator) RecordRequest(ctx context.Context, host string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	estimate := a.estimator.Estimate(host)

	a.state.Requests++
	a.state.CO2 = a.state.CO2.Add(estimate)

	today := a.dayKey(now)
	day := a.state.DailyStats[today]
	day.Requests++
	day.CO2 = day.CO2.Add(estimate)
	a.state.DailyStats[today] = day

	a.persist(ctx, "record")
	metrics.CO2GramsTotal.Add(estimate.InexactFloat64())

	sessionRequests, reset := a.sessionRequests(now, true)
	if reset {
		a.persist(ctx, "session-reset", storage.KeySessionStart, storage.KeyWarningLevel)
		metrics.SessionResetsTotal.WithLabelValues("expired").Inc()
		a.logger.Info().
			Time("session_start", a.state.SessionStart).
			Msg("Session window expired, starting new session")
	}

	current := escalation.Level(a.state.WarningLevel)
	next := a.engine.Compute(sessionRequests, a.state.AnnoyanceMode, current)

	result := Result{
		Host:            host,
		CO2Grams:        estimate,
		Requests:        a.state.Requests,
		SessionRequests: sessionRequests,
		Level:           next,
		SessionReset:    reset,
		RecordedAt:      now,
	}

	a.logger.Debug().
		Str("host", host).
		Str("estimate", estimate.String()).
		Int64("requests", a.state.Requests).
		Int64("session_requests", sessionRequests).
		Msg("AI request recorded")

	if next > current {
		a.state.WarningLevel = float64(next)
		a.persist(ctx, "escalate", storage.KeyWarningLevel)
		metrics.EscalationsTotal.WithLabelValues(next.String()).Inc()

		a.logger.Info().
			Str("level", next.String()).
			Int64("session_requests", sessionRequests).
			Str("co2_grams", a.state.CO2.String()).
			Msg("Warning level increased")

		a.presenter.Present(Event{
			Level:           next,
			Requests:        a.state.Requests,
			SessionRequests: sessionRequests,
			CO2:             a.state.CO2,
		})
		result.Escalated = true
	}

	return result
}

// Reset zeroes the lifetime counters and warning level and starts a new
// session. Daily stats and the annoyance flag are kept.
func (a *Aggregator) Reset(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Requests = 0
	a.state.CO2 = decimal.Zero
	a.state.WarningLevel = 0
	a.state.SessionStart = a.clock.Now()

	a.persist(ctx, "reset",
		storage.KeyRequestCount,
		storage.KeyTotalCO2,
		storage.KeyWarningLevel,
		storage.KeySessionStart,
	)
	metrics.SessionResetsTotal.WithLabelValues("manual").Inc()
	a.logger.Info().Msg("Counters reset")
}

// Snapshot returns the current counters without side effects.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sessionRequests, _ := a.sessionRequests(a.clock.Now(), false)
	return Snapshot{
		Requests:        a.state.Requests,
		WarningLevel:    escalation.Level(a.state.WarningLevel),
		CO2:             a.state.CO2,
		AnnoyanceMode:   a.state.AnnoyanceMode,
		SessionStart:    a.state.SessionStart,
		SessionRequests: sessionRequests,
	}
}

// SetAnnoyanceMode sets and persists the annoyance flag and returns the new value.
func (a *Aggregator) SetAnnoyanceMode(ctx context.Context, enabled bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.AnnoyanceMode = enabled
	a.persist(ctx, "annoyance", storage.KeyAnnoyanceMode)
	a.logger.Info().Bool("enabled", enabled).Msg("Annoyance mode changed")
	return a.state.AnnoyanceMode
}

// AnnoyanceMode returns the annoyance flag.
func (a *Aggregator) AnnoyanceMode() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.AnnoyanceMode
}

// Daily returns per-day usage and today's totals.
func (a *Aggregator) Daily() DailyReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	today := a.dayKey(a.clock.Now())
	report := DailyReport{
		Today: today,
		Days:  make(map[string]DayUsage, len(a.state.DailyStats)),
	}

	var total int64
	for key, day := range a.state.DailyStats {
		report.Days[key] = DayUsage{Requests: day.Requests, CO2: day.CO2}
		total += day.Requests
	}
	report.TodayStats = report.Days[today]
	report.DaysTracked = len(report.Days)
	if report.DaysTracked > 0 {
		report.AveragePerDay = float64(total) / float64(report.DaysTracked)
	}
	return report
}

// sessionRequests applies the session window. When the window has expired
// and apply is true the session restarts at now and the warning level drops
// to zero. Caller must hold the lock (write lock when apply is true).
func (a *Aggregator) sessionRequests(now time.Time, apply bool) (int64, bool) {
	if now.Sub(a.state.SessionStart) > a.sessionWindow {
		if apply {
			a.state.SessionStart = now
			a.state.WarningLevel = 0
		}
		return 0, true
	}
	return a.state.Requests, false
}

// dayKey returns the calendar day now belongs to, honouring the day start time.
func (a *Aggregator) dayKey(now time.Time) string {
	start := time.Date(now.Year(), now.Month(), now.Day(), a.dayStart.Hour(), a.dayStart.Minute(), 0, 0, now.Location())
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start.Format(dayKeyLayout)
}

// persist writes the given keys (all keys when none are given). Failures are
// logged and counted, never retried. Caller must hold the lock.
func (a *Aggregator) persist(ctx context.Context, op string, keys ...string) {
	if err := storage.SaveCounters(ctx, a.kv, a.state, keys...); err != nil {
		metrics.PersistErrorsTotal.WithLabelValues("save").Inc()
		a.logger.Error().Err(err).Str("op", op).Msg("Failed to persist counters")
	}
}
