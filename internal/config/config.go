// Package config handles sdhome configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sdhome/config.yaml, /etc/sdhome/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sdhome", "config.yaml"))
	}

	paths = append(paths, "/etc/sdhome/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all sdhome configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	StateSync StateSyncConfig `yaml:"state_sync"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the WebSocket/metrics listener settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection and topic settings shared by
// the ingestion worker, state-sync worker, and command publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TopicFilter string `yaml:"topic_filter"`
	BaseTopic   string `yaml:"base_topic"`
}

// BrokerURL returns the mqtt:// URL for the configured broker.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("mqtt://%s:%d", c.Host, c.Port)
}

// DatabaseConfig defines the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebhooksConfig defines outbound webhook endpoints. Main is the
// default target for webhook actions with no explicit URL; Test is
// used by operator-initiated test deliveries.
type WebhooksConfig struct {
	Main string `yaml:"main"`
	Test string `yaml:"test"`
}

// StateSyncConfig defines the periodic device-state poll. An interval
// of zero disables polling; the passive attribute cache still runs.
type StateSyncConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8090},
		MQTT: MQTTConfig{
			Enabled:     true,
			Host:        "localhost",
			Port:        1883,
			TopicFilter: "sdhome/#",
			BaseTopic:   "sdhome",
		},
		Database: DatabaseConfig{Path: "sdhome.db"},
	}
}
