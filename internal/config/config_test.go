package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	embedded := []byte("server:\n  url: \"https://embedded.example.com\"\n  token: \"embedded_token\"")
	t.Setenv("A1_SERVER_URL", "https://env.example.com")
	t.Setenv("A1_USERNAME", "env-user")
	cli := CLIOverrides{URL: "https://cli.example.com", Token: "cli_token", Username: "cli-user"}

	cfg, err := LoadLayered(cli, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "https://cli.example.com" {
		t.Errorf("URL = %q, want CLI override", cfg.Server.URL)
	}
	if cfg.Server.Token != "cli_token" {
		t.Errorf("Token = %q, want CLI override", cfg.Server.Token)
	}
	if cfg.Identity.Username != "cli-user" {
		t.Errorf("Username = %q, want CLI override", cfg.Identity.Username)
	}
}

func TestLoadLayered_EnvOverridesEmbed(t *testing.T) {
	embedded := []byte("server:\n  url: \"https://embedded.example.com\"\n  token: \"embedded_token\"")
	t.Setenv("A1_SERVER_URL", "https://env.example.com")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want env override", cfg.Server.URL)
	}
	if cfg.Server.Token != "embedded_token" {
		t.Errorf("Token = %q, want embedded value", cfg.Server.Token)
	}
}

func TestLoadLayered_FileOverridesEmbed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := "collection:\n  interval: 2m\n  query:\n    command: /opt/probe.sh\n    args: [\"--json\"]\nheartbeat:\n  failure_threshold: 3\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	embedded := []byte("collection:\n  interval: 10s\n")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Collection.Interval.Duration != 2*time.Minute {
		t.Errorf("Interval = %v, want file value", cfg.Collection.Interval.Duration)
	}
	if cfg.Collection.Query.Command != "/opt/probe.sh" || len(cfg.Collection.Query.Args) != 1 {
		t.Errorf("Query = %+v", cfg.Collection.Query)
	}
	if cfg.Heartbeat.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d", cfg.Heartbeat.FailureThreshold)
	}
	if cfg.Heartbeat.Interval.Duration != 30*time.Second {
		t.Errorf("unset heartbeat interval should keep default, got %v", cfg.Heartbeat.Interval.Duration)
	}
}

func TestLoadLayered_BadDuration(t *testing.T) {
	_, err := LoadLayered(CLIOverrides{}, []byte("heartbeat:\n  interval: soon\n"), "")
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v, want invalid duration", err)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Collection.Interval.Duration != time.Minute {
		t.Errorf("Interval = %v, want 1m default", cfg.Collection.Interval.Duration)
	}
	if cfg.Heartbeat.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Heartbeat.FailureThreshold)
	}
	if cfg.Control.Listen != "127.0.0.1:7420" {
		t.Errorf("Control.Listen = %q", cfg.Control.Listen)
	}
}

func TestServerURLs(t *testing.T) {
	s := ServerConfig{URL: "https://api.example.com/", HeartbeatPath: "/api/heartbeat", MetricsPath: "api/metrics"}
	if got := s.HeartbeatURL(); got != "https://api.example.com/api/heartbeat" {
		t.Errorf("HeartbeatURL = %q", got)
	}
	if got := s.MetricsURL(); got != "https://api.example.com/api/metrics" {
		t.Errorf("MetricsURL = %q", got)
	}
}

func TestLatencyTarget(t *testing.T) {
	tests := []struct {
		url, override, want string
	}{
		{"https://api.example.com", "", "api.example.com:443"},
		{"http://localhost:3000", "", "localhost:3000"},
		{"http://intranet", "", "intranet:80"},
		{"https://api.example.com", "1.1.1.1:53", "1.1.1.1:53"},
		{"::bad", "", ""},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Server.URL = tt.url
		cfg.Collection.LatencyTarget = tt.override
		if got := cfg.LatencyTarget(); got != tt.want {
			t.Errorf("LatencyTarget(%q, %q) = %q, want %q", tt.url, tt.override, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Server.URL = "https://api.example.com"
		cfg.Server.Token = "tok"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"localhost http", func(c *Config) { c.Server.URL = "http://localhost:3000" }, ""},
		{"plain http", func(c *Config) { c.Server.URL = "http://api.example.com" }, "HTTPS"},
		{"no token", func(c *Config) { c.Server.Token = "" }, "token"},
		{"zero interval", func(c *Config) { c.Heartbeat.Interval = Duration{} }, "heartbeat.interval"},
		{"zero threshold", func(c *Config) { c.Heartbeat.FailureThreshold = 0 }, "failure_threshold"},
		{"elastic without addresses", func(c *Config) { c.Elasticsearch.Enabled = true }, "elasticsearch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.URL = "https://test.example.com"

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadLayered(CLIOverrides{}, nil, path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.URL != "https://test.example.com" {
		t.Errorf("URL = %q after round trip", loaded.Server.URL)
	}
}
