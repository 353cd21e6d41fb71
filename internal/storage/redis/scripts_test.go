package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestAddDetectionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	k := keys{prefix: "nudge"}
	script := redis.NewScript(addDetectionScript)

	tests := []struct {
		name  string
		id    string
		score string
		host  string
	}{
		{name: "first host", id: "d-1", score: "1000", host: "claude.ai"},
		{name: "second host", id: "d-2", score: "2000", host: "api.openai.com"},
		{name: "same host again", id: "d-3", score: "3000", host: "claude.ai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyList := []string{k.detections(), k.detectionData(), k.detectionHosts(), k.detectionHost(tt.host)}
			if err := script.Run(ctx, client, keyList, tt.id, tt.score, `{"id":"`+tt.id+`"}`, tt.host).Err(); err != nil {
				t.Fatalf("Script failed: %v", err)
			}
			if !mr.Exists(k.detectionHost(tt.host)) {
				t.Errorf("Expected host index %s", k.detectionHost(tt.host))
			}
			host := mr.HGet(k.detectionHosts(), tt.id)
			if host != tt.host {
				t.Errorf("Expected host %s recorded for %s, got %s", tt.host, tt.id, host)
			}
		})
	}

	members, err := mr.ZMembers(k.detectionHost("claude.ai"))
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 claude.ai members, got %d", len(members))
	}
}

func TestDeleteDetectionsBeforeScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	k := keys{prefix: "nudge"}
	add := redis.NewScript(addDetectionScript)

	for _, d := range []struct{ id, score, host string }{
		{"old-1", "100", "claude.ai"},
		{"old-2", "200", "api.openai.com"},
		{"new-1", "900", "claude.ai"},
	} {
		keyList := []string{k.detections(), k.detectionData(), k.detectionHosts(), k.detectionHost(d.host)}
		if err := add.Run(ctx, client, keyList, d.id, d.score, "{}", d.host).Err(); err != nil {
			t.Fatalf("Add script failed: %v", err)
		}
	}

	del := redis.NewScript(deleteDetectionsBeforeScript)
	result, err := del.Run(ctx, client, []string{k.detections(), k.detectionData(), k.detectionHosts()}, "500", k.detectionHostPrefix()).Result()
	if err != nil {
		t.Fatalf("Delete script failed: %v", err)
	}
	count, err := parseCount(result)
	if err != nil {
		t.Fatalf("parseCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 deleted, got %d", count)
	}

	members, err := mr.ZMembers(k.detections())
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "new-1" {
		t.Errorf("Expected only new-1 to remain, got %v", members)
	}
	if mr.Exists(k.detectionHost("api.openai.com")) {
		t.Error("Expected empty host index to be removed")
	}
	if mr.HGet(k.detectionData(), "old-1") != "" {
		t.Error("Expected old-1 payload to be removed")
	}
}
