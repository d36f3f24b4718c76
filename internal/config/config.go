// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Collection    CollectionConfig    `yaml:"collection"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Logging       LoggingConfig       `yaml:"logging"`
	Control       ControlConfig       `yaml:"control"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

// ServerConfig holds API server connection settings.
type ServerConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	HeartbeatPath string `yaml:"heartbeat_path"`
	MetricsPath   string `yaml:"metrics_path"`
}

// HeartbeatURL is the absolute heartbeat endpoint.
func (s ServerConfig) HeartbeatURL() string { return joinURL(s.URL, s.HeartbeatPath) }

// MetricsURL is the absolute metrics ingestion endpoint.
func (s ServerConfig) MetricsURL() string { return joinURL(s.URL, s.MetricsPath) }

// IdentityConfig seeds the logged-in identity before the host reports one.
type IdentityConfig struct {
	Username   string `yaml:"username"`
	AppVersion string `yaml:"app_version"`
}

// CollectionConfig holds metric collection settings.
type CollectionConfig struct {
	Interval        Duration    `yaml:"interval"`
	BatchInterval   Duration    `yaml:"batch_interval"`
	QueryTimeout    Duration    `yaml:"query_timeout"`
	TopProcesses    int         `yaml:"top_processes"`
	ActiveTimeCap   Duration    `yaml:"active_time_cap"`
	PublicIPURL     string      `yaml:"public_ip_url"`
	PublicIPTimeout Duration    `yaml:"public_ip_timeout"`
	LatencyTarget   string      `yaml:"latency_target"`
	Query           QueryConfig `yaml:"query"`
}

// QueryConfig replaces the built-in probe with a custom command. The command
// must print one JSON document with the probe's field names.
type QueryConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// HeartbeatConfig holds presence reporting settings.
type HeartbeatConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
}

// BufferConfig holds the on-disk batch buffer settings.
type BufferConfig struct {
	MaxSizeMB int    `yaml:"max_size_mb"`
	Dir       string `yaml:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ElasticsearchConfig holds the optional snapshot sink settings.
type ElasticsearchConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	APIKey    string   `yaml:"api_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:           "http://localhost:3000",
			HeartbeatPath: "/api/heartbeat",
			MetricsPath:   "/api/metrics",
		},
		Collection: CollectionConfig{
			Interval:        Duration{60 * time.Second},
			BatchInterval:   Duration{5 * time.Minute},
			QueryTimeout:    Duration{30 * time.Second},
			TopProcesses:    10,
			ActiveTimeCap:   Duration{90 * time.Second},
			PublicIPURL:     "https://api.ipify.org",
			PublicIPTimeout: Duration{5 * time.Second},
		},
		Heartbeat: HeartbeatConfig{
			Interval:         Duration{30 * time.Second},
			Timeout:          Duration{10 * time.Second},
			FailureThreshold: 5,
		},
		Buffer: BufferConfig{
			MaxSizeMB: 50,
			Dir:       defaultBufferDir(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Control: ControlConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7420",
		},
		Elasticsearch: ElasticsearchConfig{
			Index: "agent-snapshots",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	URL      string
	Token    string
	Username string
	LogLevel string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if cli.URL != "" {
		cfg.Server.URL = cli.URL
	}
	if cli.Token != "" {
		cfg.Server.Token = cli.Token
	}
	if cli.Username != "" {
		cfg.Identity.Username = cli.Username
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("A1_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("A1_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("A1_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("A1_USERNAME"); v != "" {
		cfg.Identity.Username = v
	}
}

// LatencyTarget returns the host:port probed for connectivity, defaulting to
// the server's own address.
func (c *Config) LatencyTarget() string {
	if c.Collection.LatencyTarget != "" {
		return c.Collection.LatencyTarget
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Validate checks that the configuration is valid for production use.
// HTTPS is required for non-localhost server URLs.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server token is required")
	}
	if !strings.HasPrefix(c.Server.URL, "https://") {
		if !strings.Contains(c.Server.URL, "localhost") && !strings.Contains(c.Server.URL, "127.0.0.1") {
			return fmt.Errorf("server URL must use HTTPS (got: %s)", c.Server.URL)
		}
	}
	durations := map[string]time.Duration{
		"collection.interval":       c.Collection.Interval.Duration,
		"collection.batch_interval": c.Collection.BatchInterval.Duration,
		"collection.query_timeout":  c.Collection.QueryTimeout.Duration,
		"heartbeat.interval":        c.Heartbeat.Interval.Duration,
		"heartbeat.timeout":         c.Heartbeat.Timeout.Duration,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, d)
		}
	}
	if c.Heartbeat.FailureThreshold <= 0 {
		return fmt.Errorf("heartbeat.failure_threshold must be positive")
	}
	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required when the control API is enabled")
	}
	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses is required when elasticsearch is enabled")
	}
	return nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
