package usage

import (
	"time"

	"github.com/goodtune/nudgeproxy/internal/escalation"
	"github.com/shopspring/decimal"
)

// Event is raised when a session reaches a new warning level.
type Event struct {
	Level           escalation.Level
	Requests        int64
	SessionRequests int64
	CO2             decimal.Decimal
}

// Presenter receives escalation events. Present is called while the
// aggregator holds its lock, so implementations must not block.
type Presenter interface {
	Present(Event)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Event)

// Present calls f(e).
func (f PresenterFunc) Present(e Event) { f(e) }

type nopPresenter struct{}

func (nopPresenter) Present(Event) {}

// Estimator resolves the per-request CO2 estimate for a host.
type Estimator interface {
	Estimate(host string) decimal.Decimal
}

// Result describes one recorded request.
type Result struct {
	Host            string
	CO2Grams        decimal.Decimal
	Requests        int64
	SessionRequests int64
	Level           escalation.Level
	Escalated       bool
	SessionReset    bool
	RecordedAt      time.Time
}

// Snapshot is a consistent read of the counters.
type Snapshot struct {
	Requests        int64
	WarningLevel    escalation.Level
	CO2             decimal.Decimal
	AnnoyanceMode   bool
	SessionStart    time.Time
	SessionRequests int64
}

// DailyReport summarises per-day usage.
type DailyReport struct {
	Today         string
	TodayStats    DayUsage
	Days          map[string]DayUsage
	DaysTracked   int
	AveragePerDay float64
}

// DayUsage is one calendar day of usage.
type DayUsage struct {
	Requests int64
	CO2      decimal.Decimal
}
