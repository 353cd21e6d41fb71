package observer

import (
	"testing"
	"time"

	"github.com/goodtune/nudgeproxy/internal/storage"
)

func TestDeduperCrossSource(t *testing.T) {
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	netAt := func(offset time.Duration) Detection {
		return Detection{Source: storage.SourceNetwork, Host: "api.openai.com", At: base.Add(offset)}
	}
	pageAt := func(offset time.Duration) Detection {
		return Detection{Source: storage.SourcePage, Host: "api.openai.com", At: base.Add(offset)}
	}

	tests := []struct {
		name   string
		events []Detection
		want   []bool
	}{
		{
			name:   "network then page within window",
			events: []Detection{netAt(0), pageAt(500 * time.Millisecond)},
			want:   []bool{true, false},
		},
		{
			name:   "page then network within window",
			events: []Detection{pageAt(0), netAt(time.Second)},
			want:   []bool{true, false},
		},
		{
			name:   "outside window",
			events: []Detection{netAt(0), pageAt(3 * time.Second)},
			want:   []bool{true, true},
		},
		{
			name:   "same source repeats count",
			events: []Detection{netAt(0), netAt(10 * time.Millisecond), netAt(20 * time.Millisecond)},
			want:   []bool{true, true, true},
		},
		{
			name:   "match consumes pending entry",
			events: []Detection{netAt(0), pageAt(100 * time.Millisecond), pageAt(200 * time.Millisecond)},
			want:   []bool{true, false, true},
		},
		{
			name:   "two requests seen on both paths",
			events: []Detection{netAt(0), netAt(50 * time.Millisecond), pageAt(100 * time.Millisecond), pageAt(150 * time.Millisecond)},
			want:   []bool{true, true, false, false},
		},
		{
			name:   "slow response matched by start time",
			events: []Detection{netAt(0), netAt(4 * time.Second), pageAt(-5 * time.Millisecond), pageAt(4 * time.Second)},
			want:   []bool{true, true, false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDeduper(2*time.Second, 16)
			if err != nil {
				t.Fatalf("new deduper: %v", err)
			}
			for i, e := range tt.events {
				if got := d.Admit(e); got != tt.want[i] {
					t.Fatalf("event %d: Admit = %v, want %v", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestDeduperHostsAreIndependent(t *testing.T) {
	d, err := NewDeduper(0, 0)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	now := time.Now()
	if !d.Admit(Detection{Source: storage.SourceNetwork, Host: "api.openai.com", At: now}) {
		t.Fatal("expected first detection to count")
	}
	if !d.Admit(Detection{Source: storage.SourcePage, Host: "claude.ai", At: now}) {
		t.Fatal("expected detection for another host to count")
	}
}
