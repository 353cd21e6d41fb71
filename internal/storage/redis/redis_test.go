package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/shopspring/decimal"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		KeyPrefix:    "nudge",
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "never", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}

func TestKVStore_MissingKeys(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	values, err := store.KV().Get(context.Background(), storage.AllKeys...)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("Expected no values, got %d", len(values))
	}
}

func TestKVStore_SaveLoadCounters(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	counters := storage.Counters{
		Requests:     50,
		CO2:          decimal.RequireFromString("175"),
		SessionStart: time.UnixMilli(1717228800000),
		WarningLevel: 3,
		DailyStats: map[string]storage.DayStats{
			"2024-06-01": {Requests: 20, CO2: decimal.RequireFromString("70")},
			"2024-06-02": {Requests: 30, CO2: decimal.RequireFromString("105")},
		},
	}

	if err := storage.SaveCounters(ctx, store.KV(), counters); err != nil {
		t.Fatalf("SaveCounters failed: %v", err)
	}

	raw, err := mr.Get("nudge:kv:aiRequestCount")
	if err != nil {
		t.Fatalf("Expected aiRequestCount key in redis: %v", err)
	}
	if raw != "50" {
		t.Errorf("Expected stored count 50, got %s", raw)
	}

	loaded, err := storage.LoadCounters(ctx, store.KV())
	if err != nil {
		t.Fatalf("LoadCounters failed: %v", err)
	}
	if loaded.Requests != 50 {
		t.Errorf("Expected 50 requests, got %d", loaded.Requests)
	}
	if !loaded.CO2.Equal(decimal.RequireFromString("175.0")) {
		t.Errorf("Expected 175.0g, got %s", loaded.CO2)
	}
	if loaded.WarningLevel != 3 {
		t.Errorf("Expected level 3, got %v", loaded.WarningLevel)
	}
	if len(loaded.DailyStats) != 2 {
		t.Errorf("Expected 2 days, got %d", len(loaded.DailyStats))
	}
	if loaded.SessionStart.UnixMilli() != 1717228800000 {
		t.Errorf("Unexpected session start %v", loaded.SessionStart)
	}
}

func TestDetectionStore_AddQueryDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()

	detections := []storage.Detection{
		{Timestamp: now.Add(-72 * time.Hour), Source: storage.SourceNetwork, Host: "api.anthropic.com"},
		{Timestamp: now.Add(-10 * time.Second), Source: storage.SourcePage, Host: "api.anthropic.com"},
		{Timestamp: now.Add(-5 * time.Second), Source: storage.SourceNetwork, Host: "gemini.google.com"},
	}
	for _, d := range detections {
		if err := store.Detections().Add(ctx, d); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	all, err := store.Detections().Query(ctx, storage.DetectionFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 detections, got %d", len(all))
	}
	if all[0].Host != "gemini.google.com" {
		t.Errorf("Expected newest detection first, got %s", all[0].Host)
	}
	if all[0].ID == "" {
		t.Error("Expected generated ID")
	}

	anthropic, err := store.Detections().Query(ctx, storage.DetectionFilter{Host: "API.ANTHROPIC.COM"})
	if err != nil {
		t.Fatalf("Query by host failed: %v", err)
	}
	if len(anthropic) != 2 {
		t.Fatalf("Expected 2 anthropic detections, got %d", len(anthropic))
	}

	since := now.Add(-time.Hour)
	recent, err := store.Detections().Query(ctx, storage.DetectionFilter{StartTime: &since})
	if err != nil {
		t.Fatalf("Query by time failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 recent detections, got %d", len(recent))
	}

	deleted, err := store.Detections().DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted, got %d", deleted)
	}

	anthropic, err = store.Detections().Query(ctx, storage.DetectionFilter{Host: "api.anthropic.com"})
	if err != nil {
		t.Fatalf("Query after delete failed: %v", err)
	}
	if len(anthropic) != 1 {
		t.Errorf("Expected host index to drop the old detection, got %d", len(anthropic))
	}
}
