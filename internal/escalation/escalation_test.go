package escalation

import (
	"testing"

	"github.com/goodtune/nudgeproxy/internal/config"
)

func TestComputeLevel(t *testing.T) {
	tests := []struct {
		name      string
		requests  int64
		annoyance bool
		current   Level
		want      Level
	}{
		{"below first rung", 14, false, LevelNone, LevelNone},
		{"first rung", 15, false, LevelNone, LevelMindful},
		{"between rungs", 20, false, LevelMindful, LevelMindful},
		{"second rung", 25, false, LevelMindful, LevelConcerned},
		{"thirty without annoyance", 30, false, LevelConcerned, LevelConcerned},
		{"thirty with annoyance", 30, true, LevelConcerned, LevelAnnoyance},
		{"forty nine with annoyance", 49, true, LevelAnnoyance, LevelAnnoyance},
		{"critical", 50, false, LevelConcerned, LevelCritical},
		{"critical with annoyance", 50, true, LevelAnnoyance, LevelCritical},
		{"never lowers", 3, false, LevelConcerned, LevelConcerned},
		{"skip straight to critical", 60, false, LevelNone, LevelCritical},
		{"annoyance toggled on after level 2", 31, true, LevelConcerned, LevelAnnoyance},
		{"annoyance off does not lower 2.5", 31, false, LevelAnnoyance, LevelAnnoyance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeLevel(tt.requests, tt.annoyance, tt.current)
			if got != tt.want {
				t.Errorf("ComputeLevel(%d, %v, %s) = %s, want %s", tt.requests, tt.annoyance, tt.current, got, tt.want)
			}
		})
	}
}

func TestComputeLevelIdempotentBetweenRungs(t *testing.T) {
	level := LevelNone
	fired := 0
	for i := 0; i < 100; i++ {
		next := ComputeLevel(20, false, level)
		if next > level {
			fired++
		}
		level = next
	}
	if level != LevelMindful {
		t.Fatalf("expected level 1, got %s", level)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one increase, got %d", fired)
	}
}

func TestLadderSequence(t *testing.T) {
	for _, annoyance := range []bool{false, true} {
		level := LevelNone
		var events []Level
		for n := int64(1); n <= 50; n++ {
			next := ComputeLevel(n, annoyance, level)
			if next > level {
				events = append(events, next)
			}
			level = next
		}

		want := []Level{LevelMindful, LevelConcerned, LevelCritical}
		if annoyance {
			want = []Level{LevelMindful, LevelConcerned, LevelAnnoyance, LevelCritical}
		}
		if len(events) != len(want) {
			t.Fatalf("annoyance=%v: expected events %v, got %v", annoyance, want, events)
		}
		for i := range want {
			if events[i] != want[i] {
				t.Fatalf("annoyance=%v: expected events %v, got %v", annoyance, want, events)
			}
		}
	}
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine([]Rung{
		{Threshold: 5, Level: LevelMindful},
		{Threshold: 10, Level: LevelCritical},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if rungs := engine.Rungs(); rungs[0].Threshold != 10 {
		t.Fatalf("expected rungs sorted high to low, got %+v", rungs)
	}
	if got := engine.Compute(7, false, LevelNone); got != LevelMindful {
		t.Errorf("expected level 1 at 7 requests, got %s", got)
	}

	invalid := [][]Rung{
		nil,
		{{Threshold: 0, Level: LevelMindful}},
		{{Threshold: 5, Level: LevelNone}},
		{{Threshold: 5, Level: LevelMindful}, {Threshold: 5, Level: LevelCritical}},
	}
	for i, rungs := range invalid {
		if _, err := NewEngine(rungs); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelAnnoyance.String() != "2.5" || LevelCritical.String() != "3" {
		t.Fatalf("unexpected level strings %s %s", LevelAnnoyance, LevelCritical)
	}
	if !LevelAnnoyance.IsAnnoyance() || LevelCritical.IsAnnoyance() {
		t.Fatal("IsAnnoyance mismatch")
	}
}

func TestFromConfigMatchesDefaults(t *testing.T) {
	engine, err := FromConfig(config.EscalationConfig{Rungs: config.DefaultRungs()})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	for _, n := range []int64{0, 14, 15, 25, 30, 49, 50} {
		for _, annoyance := range []bool{false, true} {
			got := engine.Compute(n, annoyance, LevelNone)
			want := ComputeLevel(n, annoyance, LevelNone)
			if got != want {
				t.Errorf("Compute(%d, %v) = %v, want %v", n, annoyance, got, want)
			}
		}
	}

	if _, err := FromConfig(config.EscalationConfig{}); err == nil {
		t.Error("expected error for empty rung table")
	}
}
