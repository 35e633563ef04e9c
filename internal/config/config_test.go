package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
mqtt:
  enabled: true
  host: broker.local
  port: 1884
  base_topic: sdhome
database:
  path: /var/lib/sdhome/sdhome.db
webhooks:
  main: https://hooks.example.com/main
state_sync:
  poll_interval_seconds: 300
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Host != "broker.local" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "broker.local")
	}
	if cfg.MQTT.Port != 1884 {
		t.Errorf("MQTT.Port = %d, want 1884", cfg.MQTT.Port)
	}
	if got := cfg.MQTT.BrokerURL(); got != "mqtt://broker.local:1884" {
		t.Errorf("BrokerURL() = %q", got)
	}
	// Unset keys keep their defaults.
	if cfg.MQTT.TopicFilter != "sdhome/#" {
		t.Errorf("TopicFilter = %q, want default sdhome/#", cfg.MQTT.TopicFilter)
	}
	if cfg.Database.Path != "/var/lib/sdhome/sdhome.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Webhooks.Main != "https://hooks.example.com/main" {
		t.Errorf("Webhooks.Main = %q", cfg.Webhooks.Main)
	}
	if cfg.StateSync.PollIntervalSeconds != 300 {
		t.Errorf("PollIntervalSeconds = %d, want 300", cfg.StateSync.PollIntervalSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SDHOME_DB", "/tmp/custom.db")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  path: ${SDHOME_DB}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("Database.Path = %q, want expanded env value", cfg.Database.Path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("FindConfig() with missing explicit path should error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MQTT.BaseTopic != "sdhome" {
		t.Errorf("default BaseTopic = %q, want sdhome", cfg.MQTT.BaseTopic)
	}
	if cfg.StateSync.PollIntervalSeconds != 0 {
		t.Errorf("default poll interval = %d, want 0 (disabled)", cfg.StateSync.PollIntervalSeconds)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"", false},
		{"WARN", false},
		{"error", false},
		{"trace", false},
		{"bogus", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}
