// Package escalation maps session activity to a warning level.
package escalation

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/nudgeproxy/internal/config"
)

// Level is a discrete severity rung.
type Level float64

const (
	LevelNone      Level = 0
	LevelMindful   Level = 1
	LevelConcerned Level = 2
	LevelAnnoyance Level = 2.5
	LevelCritical  Level = 3
)

// IsAnnoyance reports whether l is the opt-in annoyance rung.
func (l Level) IsAnnoyance() bool {
	return l == LevelAnnoyance
}

func (l Level) String() string {
	return strconv.FormatFloat(float64(l), 'f', -1, 64)
}

// Rung is one row of the threshold table.
type Rung struct {
	Threshold         int64
	Level             Level
	RequiresAnnoyance bool
}

// DefaultRungs is the standard ladder: 15 → 1, 25 → 2, 30 → 2.5 (annoyance only), 50 → 3.
var DefaultRungs = []Rung{
	{Threshold: 50, Level: LevelCritical},
	{Threshold: 30, Level: LevelAnnoyance, RequiresAnnoyance: true},
	{Threshold: 25, Level: LevelConcerned},
	{Threshold: 15, Level: LevelMindful},
}

// Engine evaluates a threshold table. It holds no state and is safe for concurrent use.
type Engine struct {
	rungs []Rung
}

var defaultEngine = &Engine{rungs: DefaultRungs}

// NewEngine builds an engine from rungs in any order.
func NewEngine(rungs []Rung) (*Engine, error) {
	if len(rungs) == 0 {
		return nil, fmt.Errorf("escalation: no rungs")
	}
	sorted := make([]Rung, len(rungs))
	copy(sorted, rungs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold > sorted[j].Threshold
	})
	for i, r := range sorted {
		if r.Threshold <= 0 {
			return nil, fmt.Errorf("escalation: rung %d has non-positive threshold %d", i, r.Threshold)
		}
		if r.Level <= LevelNone {
			return nil, fmt.Errorf("escalation: rung at %d requests has level %s", r.Threshold, r.Level)
		}
		if i > 0 && sorted[i-1].Threshold == r.Threshold {
			return nil, fmt.Errorf("escalation: duplicate threshold %d", r.Threshold)
		}
	}
	return &Engine{rungs: sorted}, nil
}

// Default returns the engine for DefaultRungs.
func Default() *Engine {
	return defaultEngine
}

// FromConfig builds an engine from the escalation section.
func FromConfig(c config.EscalationConfig) (*Engine, error) {
	rungs := make([]Rung, 0, len(c.Rungs))
	for _, r := range c.Rungs {
		rungs = append(rungs, Rung{
			Threshold:         int64(r.Threshold),
			Level:             Level(r.Level),
			RequiresAnnoyance: r.RequiresAnnoyance,
		})
	}
	return NewEngine(rungs)
}

// Rungs returns the table highest threshold first.
func (e *Engine) Rungs() []Rung {
	out := make([]Rung, len(e.rungs))
	copy(out, e.rungs)
	return out
}

// Compute returns the next level for a session. The table is scanned high to
// low and the first matching rung wins. The result is never below current.
func (e *Engine) Compute(sessionRequests int64, annoyance bool, current Level) Level {
	computed := LevelNone
	for _, r := range e.rungs {
		if r.RequiresAnnoyance && !annoyance {
			continue
		}
		if sessionRequests >= r.Threshold {
			computed = r.Level
			break
		}
	}
	if computed > current {
		return computed
	}
	return current
}

// ComputeLevel evaluates the default ladder.
func ComputeLevel(sessionRequests int64, annoyance bool, current Level) Level {
	return defaultEngine.Compute(sessionRequests, annoyance, current)
}
