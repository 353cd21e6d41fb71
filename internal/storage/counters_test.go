package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecodeCountersAbsentKeys(t *testing.T) {
	c, err := DecodeCounters(map[string][]byte{
		KeyRequestCount: []byte("3"),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", c.Requests)
	}
	if !c.CO2.IsZero() || c.WarningLevel != 0 || c.AnnoyanceMode {
		t.Errorf("expected zero values for absent keys, got %+v", c)
	}
	if c.DailyStats == nil {
		t.Error("expected non-nil daily stats map")
	}
}

func TestDecodeCountersCorrupt(t *testing.T) {
	_, err := DecodeCounters(map[string][]byte{KeyDailyStats: []byte("{not json")})
	if err == nil {
		t.Fatal("expected decode error for corrupt daily stats")
	}
}

func TestEncodeCountersSelectedKeys(t *testing.T) {
	c := Counters{
		Requests:     2,
		CO2:          decimal.RequireFromString("7"),
		SessionStart: time.UnixMilli(1000),
	}
	values, err := EncodeCounters(c, KeyRequestCount, KeySessionStart)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 encoded keys, got %d", len(values))
	}
	if string(values[KeySessionStart]) != "1000" {
		t.Errorf("expected millisecond session start, got %s", values[KeySessionStart])
	}

	if _, err := EncodeCounters(c, "bogus"); err == nil {
		t.Error("expected error for unknown key")
	}

	all, err := EncodeCounters(c)
	if err != nil {
		t.Fatalf("encode all: %v", err)
	}
	if len(all) != len(AllKeys) {
		t.Errorf("expected %d keys, got %d", len(AllKeys), len(all))
	}
}

func TestCountersClone(t *testing.T) {
	c := Counters{DailyStats: map[string]DayStats{"2024-06-01": {Requests: 1}}}
	clone := c.Clone()
	clone.DailyStats["2024-06-01"] = DayStats{Requests: 9}
	if c.DailyStats["2024-06-01"].Requests != 1 {
		t.Fatal("clone shares daily stats map with original")
	}
}

func TestDetectionFilterPage(t *testing.T) {
	items := make([]Detection, 5)
	tests := []struct {
		name   string
		filter DetectionFilter
		want   int
	}{
		{"no paging", DetectionFilter{}, 5},
		{"limit", DetectionFilter{Limit: 2}, 2},
		{"offset", DetectionFilter{Offset: 4}, 1},
		{"offset past end", DetectionFilter{Offset: 9}, 0},
		{"offset and limit", DetectionFilter{Offset: 1, Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.filter.Page(items)); got != tt.want {
				t.Errorf("expected %d items, got %d", tt.want, got)
			}
		})
	}
}
