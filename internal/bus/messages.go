package bus

import (
	"time"

	"github.com/goodtune/nudgeproxy/internal/usage"
)

// Message actions. The names are the wire names used by page agents and the
// status surface.
const (
	ActionDetected        = "AI_REQUEST_DETECTED"
	ActionGetStats        = "getStats"
	ActionReset           = "reset"
	ActionToggleAnnoyance = "toggleAnnoyanceMode"
	ActionGetAnnoyance    = "getAnnoyanceMode"
	ActionGetDailyStats   = "getDailyStats"
	ActionOpenPopup       = "openPopup"

	// Background to page.
	ActionShowGuiltTrip     = "showGuiltTrip"
	ActionShowAnnoyanceMode = "showAnnoyanceMode"
)

// Message is a request to the background service.
type Message struct {
	Action  string    `json:"action"`
	URL     string    `json:"url,omitempty"`
	Host    string    `json:"host,omitempty"`
	Source  string    `json:"source,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
	At      time.Time `json:"-"`
}

// Stats answers getStats.
type Stats struct {
	Requests        int64     `json:"requests"`
	WarningLevel    float64   `json:"warningLevel"`
	CO2             float64   `json:"co2"`
	SessionRequests int64     `json:"sessionRequests"`
	SessionStart    time.Time `json:"sessionStart"`
	AnnoyanceMode   bool      `json:"annoyanceMode"`
}

// Ack answers reset and toggleAnnoyanceMode.
type Ack struct {
	Success bool  `json:"success"`
	Enabled *bool `json:"enabled,omitempty"`
}

// AnnoyanceState answers getAnnoyanceMode.
type AnnoyanceState struct {
	Enabled bool `json:"enabled"`
}

// Day is one calendar day of usage.
type Day struct {
	Requests int64   `json:"requests"`
	CO2      float64 `json:"co2"`
}

// Daily answers getDailyStats.
type Daily struct {
	Today         string         `json:"today"`
	TodayStats    Day            `json:"todayStats"`
	Days          map[string]Day `json:"days"`
	DaysTracked   int            `json:"daysTracked"`
	AveragePerDay float64        `json:"averagePerDay"`
}

// PopupTarget answers openPopup with the status surface location.
type PopupTarget struct {
	URL string `json:"url"`
}

func statsFrom(s usage.Snapshot) Stats {
	return Stats{
		Requests:        s.Requests,
		WarningLevel:    float64(s.WarningLevel),
		CO2:             s.CO2.InexactFloat64(),
		SessionRequests: s.SessionRequests,
		SessionStart:    s.SessionStart,
		AnnoyanceMode:   s.AnnoyanceMode,
	}
}

func dailyFrom(r usage.DailyReport) Daily {
	d := Daily{
		Today:         r.Today,
		TodayStats:    Day{Requests: r.TodayStats.Requests, CO2: r.TodayStats.CO2.InexactFloat64()},
		Days:          make(map[string]Day, len(r.Days)),
		DaysTracked:   r.DaysTracked,
		AveragePerDay: r.AveragePerDay,
	}
	for key, day := range r.Days {
		d.Days[key] = Day{Requests: day.Requests, CO2: day.CO2.InexactFloat64()}
	}
	return d
}
