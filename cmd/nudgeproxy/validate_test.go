package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goodtune/nudgeproxy/internal/config"
)

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  proxy_port: 3128
  proxy_ip: 192.168.1.10
storage:
  type: bolt
  path: ` + filepath.Join(t.TempDir(), "nudge.bolt") + `
  redis:
    password: hunter2
tracking:
  sesion_window: 2h
  domains:
    - host: api.openai.com
      co2_grams: 4.32
bogus: true
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys: %v", err)
	}

	want := []string{"bogus", "tracking.sesion_window"}
	if len(unknown) != len(want) {
		t.Fatalf("expected %v, got %v", want, unknown)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("expected %v, got %v", want, unknown)
		}
	}
}

func TestStatusListenAddr(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"127.0.0.1", "127.0.0.1:8787"},
		{"0.0.0.0", "127.0.0.1:8787"},
		{"192.168.1.10", "192.168.1.10:8787"},
	}
	for _, tt := range tests {
		cfg := &config.Config{Server: config.ServerConfig{BindAddress: tt.bind, StatusPort: 8787}}
		if got := statusListenAddr(cfg); got != tt.want {
			t.Errorf("statusListenAddr(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}
}

func TestDefaultConfigDecodes(t *testing.T) {
	cfg, err := getDefaultConfig()
	if err != nil {
		t.Fatalf("getDefaultConfig: %v", err)
	}
	if cfg.Server.ProxyPort != 8080 || len(cfg.Tracking.Domains) == 0 {
		t.Errorf("unexpected defaults %+v", cfg.Server)
	}
}
