package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Persisted counter keys.
const (
	KeyRequestCount  = "aiRequestCount"
	KeyWarningLevel  = "warningLevel"
	KeyTotalCO2      = "totalCO2"
	KeySessionStart  = "sessionStart"
	KeyDailyStats    = "dailyStats"
	KeyAnnoyanceMode = "annoyanceModeEnabled"
)

// AllKeys lists every persisted counter key.
var AllKeys = []string{
	KeyRequestCount,
	KeyWarningLevel,
	KeyTotalCO2,
	KeySessionStart,
	KeyDailyStats,
	KeyAnnoyanceMode,
}

// DayStats is one calendar day of usage.
type DayStats struct {
	Requests int64           `json:"requests"`
	CO2      decimal.Decimal `json:"co2"`
}

// Counters is the full persisted usage state.
type Counters struct {
	Requests      int64
	CO2           decimal.Decimal
	SessionStart  time.Time
	WarningLevel  float64
	DailyStats    map[string]DayStats
	AnnoyanceMode bool
}

// Clone returns a deep copy of c.
func (c Counters) Clone() Counters {
	out := c
	out.DailyStats = make(map[string]DayStats, len(c.DailyStats))
	for k, v := range c.DailyStats {
		out.DailyStats[k] = v
	}
	return out
}

// LoadCounters reads every counter key from kv. Absent keys decode to zero values.
func LoadCounters(ctx context.Context, kv KVStore) (Counters, error) {
	values, err := kv.Get(ctx, AllKeys...)
	if err != nil {
		return Counters{DailyStats: map[string]DayStats{}}, fmt.Errorf("load counters: %w", err)
	}
	return DecodeCounters(values)
}

// SaveCounters writes the given keys of c to kv in one atomic Set.
// With no keys every counter key is written.
func SaveCounters(ctx context.Context, kv KVStore, c Counters, keys ...string) error {
	values, err := EncodeCounters(c, keys...)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, values); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

// EncodeCounters converts the selected keys of c into their stored form.
func EncodeCounters(c Counters, keys ...string) (map[string][]byte, error) {
	if len(keys) == 0 {
		keys = AllKeys
	}
	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var v any
		switch key {
		case KeyRequestCount:
			v = c.Requests
		case KeyWarningLevel:
			v = c.WarningLevel
		case KeyTotalCO2:
			v = c.CO2
		case KeySessionStart:
			if c.SessionStart.IsZero() {
				v = int64(0)
			} else {
				v = c.SessionStart.UnixMilli()
			}
		case KeyDailyStats:
			stats := c.DailyStats
			if stats == nil {
				stats = map[string]DayStats{}
			}
			v = stats
		case KeyAnnoyanceMode:
			v = c.AnnoyanceMode
		default:
			return nil, fmt.Errorf("unknown counter key: %s", key)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		values[key] = data
	}
	return values, nil
}

// DecodeCounters builds Counters from stored values. Keys missing from values keep their zero value.
func DecodeCounters(values map[string][]byte) (Counters, error) {
	c := Counters{DailyStats: map[string]DayStats{}}

	decode := func(key string, out any) error {
		data, ok := values[key]
		if !ok || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}

	var sessionStart int64
	if err := decode(KeyRequestCount, &c.Requests); err != nil {
		return c, err
	}
	if err := decode(KeyWarningLevel, &c.WarningLevel); err != nil {
		return c, err
	}
	if err := decode(KeyTotalCO2, &c.CO2); err != nil {
		return c, err
	}
	if err := decode(KeySessionStart, &sessionStart); err != nil {
		return c, err
	}
	if err := decode(KeyDailyStats, &c.DailyStats); err != nil {
		return c, err
	}
	if err := decode(KeyAnnoyanceMode, &c.AnnoyanceMode); err != nil {
		return c, err
	}
	if c.DailyStats == nil {
		c.DailyStats = map[string]DayStats{}
	}
	if sessionStart > 0 {
		c.SessionStart = time.UnixMilli(sessionStart)
	}
	return c, nil
}
