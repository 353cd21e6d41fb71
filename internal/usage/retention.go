package usage

import (
	"context"
	"time"

	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes the detection log once a day. Daily stats are
// never pruned, they back the lifetime totals.
type RetentionScheduler struct {
	detections    storage.DetectionStore
	retentionDays int
	runAt         time.Time // Time of day to prune (only hour and minute are used)
	clock         Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(detections storage.DetectionStore, retentionDays int, runAt string, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse run time (HH:MM format)
	parsedTime, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, err
	}

	rs := &RetentionScheduler{
		detections:    detections,
		retentionDays: retentionDays,
		runAt:         parsedTime,
		clock:         RealClock{},
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}

	return rs, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_at", rs.runAt.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Detection log retention scheduler started")
}

// Stop stops the retention scheduler and waits for the loop to exit
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Detection log retention scheduler stopped")
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	defer close(rs.doneChan)
	for {
		next := rs.nextRun()
		wait := next.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next detection log cleanup")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if _, err := rs.Prune(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to prune detection log")
			}
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRun calculates the next prune time
func (rs *RetentionScheduler) nextRun() time.Time {
	now := rs.clock.Now()

	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runAt.Hour(), rs.runAt.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's run time, schedule for tomorrow
	if now.After(today) {
		return today.AddDate(0, 0, 1)
	}

	return today
}

// Prune deletes detections older than the retention period. A non-positive
// retention keeps everything.
func (rs *RetentionScheduler) Prune(ctx context.Context) (int, error) {
	if rs.retentionDays <= 0 {
		return 0, nil
	}

	cutoff := rs.clock.Now().AddDate(0, 0, -rs.retentionDays)
	deleted, err := rs.detections.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	rs.logger.Info().
		Int("rows_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Detection log cleanup complete")

	return deleted, nil
}
