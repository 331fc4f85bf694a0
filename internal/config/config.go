// Package config holds the daemon configuration: backend endpoint,
// storage backend, sync tunables, and optional MQTT status eventing.
// Files are JSON by default; .yaml/.yml files are accepted too.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all sync daemon configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Backend BackendConfig `json:"backend" yaml:"backend"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	Notify  NotifyConfig  `json:"notify,omitempty" yaml:"notify,omitempty"`

	// Scheduled maintenance jobs (forced drains, failed-item purges).
	Jobs []JobConfig `json:"jobs,omitempty" yaml:"jobs,omitempty"`

	// DeviceID identifies this installation to the backend. Generated
	// and written back on first start when empty.
	DeviceID string `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`

	// Namespaces to open eagerly on start (one per lesson). Queues for
	// other namespaces are created on first use.
	Namespaces []string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
}

type ServerConfig struct {
	DataDir  string `json:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// BackendConfig points at the school REST API.
type BackendConfig struct {
	BaseURL   string `json:"baseUrl" yaml:"baseUrl"`
	AuthToken string `json:"authToken" yaml:"authToken"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	// Backend is "sqlite", "file", or "memory".
	Backend string `json:"backend" yaml:"backend"`
	// Path is the database file (sqlite) or directory (file). Relative
	// paths resolve under the data dir.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SyncConfig holds the queue and engine tunables.
type SyncConfig struct {
	SyncIntervalMs int `json:"syncIntervalMs" yaml:"syncIntervalMs"`
	BatchSize      int `json:"batchSize" yaml:"batchSize"`
	ApplyTimeoutMs int `json:"applyTimeoutMs" yaml:"applyTimeoutMs"`
	MaxQueueSize   int `json:"maxQueueSize" yaml:"maxQueueSize"`
	MaxRetries     int `json:"maxRetries" yaml:"maxRetries"`
	BaseDelayMs    int `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs" yaml:"maxDelayMs"`
}

// MonitorConfig holds the reachability probe backoff.
type MonitorConfig struct {
	ProbeBaseDelayMs int `json:"probeBaseDelayMs" yaml:"probeBaseDelayMs"`
	ProbeMaxDelayMs  int `json:"probeMaxDelayMs" yaml:"probeMaxDelayMs"`
}

// NotifyConfig enables MQTT status eventing for the dashboard.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"brokerUrl,omitempty" yaml:"brokerUrl,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
	ClientID    string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
}

// JobConfig defines a scheduled maintenance job.
type JobConfig struct {
	ID             string `json:"id" yaml:"id"`
	Kind           string `json:"kind" yaml:"kind"` // "interval" or "cron"
	IntervalMs     int64  `json:"intervalMs,omitempty" yaml:"intervalMs,omitempty"`
	Expr           string `json:"expr,omitempty" yaml:"expr,omitempty"`
	Action         string `json:"action" yaml:"action"` // "sync" or "purge"
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	RetentionHours int    `json:"retentionHours,omitempty" yaml:"retentionHours,omitempty"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "glassync.db",
		},
		Sync: SyncConfig{
			SyncIntervalMs: 30000,
			BatchSize:      25,
			ApplyTimeoutMs: 20000,
			MaxQueueSize:   500,
			MaxRetries:     5,
			BaseDelayMs:    2000,
			MaxDelayMs:     300000,
		},
		Monitor: MonitorConfig{
			ProbeBaseDelayMs: 1000,
			ProbeMaxDelayMs:  60000,
		},
	}
}

// Load reads config from a JSON or YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.baseUrl is required")
	}
	switch c.Storage.Backend {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q (use sqlite, file, or memory)", c.Storage.Backend)
	}
	if c.Notify.Enabled && c.Notify.BrokerURL == "" {
		return fmt.Errorf("notify.brokerUrl is required when notify is enabled")
	}
	return nil
}

// Save writes config as JSON, used to persist a generated device id.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// StoragePath resolves the storage path under the data dir.
func (c *Config) StoragePath() string {
	if c.Storage.Path == "" || filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.Server.DataDir, c.Storage.Path)
}
