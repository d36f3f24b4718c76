// Package models defines the snapshot structures produced by the agent.
// These structures are serialized to JSON for the metrics endpoint, the local
// event stream and the Elasticsearch sink.
package models

import "time"

// Unknown is the placeholder for identity facts that could not be determined.
const Unknown = "Unknown"

// MetricsSnapshot is one complete set of host and application facts captured
// at a single instant. Every field carries a safe default; a snapshot is never
// partially built.
type MetricsSnapshot struct {
	// Identity
	ComputerName string `json:"computer_name"`
	Username     string `json:"username"`
	OSVersion    string `json:"os_version"`
	OSUser       string `json:"os_user"`
	LocalIP      string `json:"local_ip"`
	PublicIP     string `json:"public_ip"`

	// Resource gauges
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	DiskFreeGB      float64 `json:"disk_free_gb"`
	DiskTotalGB     float64 `json:"disk_total_gb"`
	GPUPercent      float64 `json:"gpu_percent"`
	ProcessCount    int     `json:"process_count"`
	BatteryLevel    *int    `json:"battery_level"`
	BatteryCharging *bool   `json:"battery_charging"`

	// Rates, MB/s, never negative
	NetworkUploadMBps   float64 `json:"network_upload_mbps"`
	NetworkDownloadMBps float64 `json:"network_download_mbps"`

	// Connectivity
	NetworkStatus  string   `json:"network_status"`
	LatencyMS      *float64 `json:"latency_ms"`
	ConnectionType string   `json:"connection_type"`
	WifiName       string   `json:"wifi_name"`
	VPNActive      bool     `json:"vpn_active"`

	// Application
	AppVersion        string        `json:"app_version"`
	AppUptime         string        `json:"app_uptime"`
	CurrentScreen     string        `json:"current_screen"`
	IsFocused         bool          `json:"is_focused"`
	IdleSeconds       int           `json:"idle_seconds"`
	ActiveWindow      string        `json:"active_window"`
	ForegroundProcess string        `json:"foreground_process"`
	TopProcesses      []ProcessInfo `json:"top_processes"`
	ActiveTimeToday   int64         `json:"active_time_today_seconds"`
	Browsers          []BrowserInfo `json:"browsers"`

	Timestamp time.Time `json:"timestamp"`
}

// ProcessInfo is one entry of the top-N process list.
type ProcessInfo struct {
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// BrowserInfo aggregates all processes of a single browser.
type BrowserInfo struct {
	Name          string   `json:"name"`
	Running       bool     `json:"running"`
	ProcessCount  int      `json:"process_count"`
	MemoryMB      float64  `json:"memory_mb"`
	CurrentWindow string   `json:"current_window,omitempty"`
	WindowTitles  []string `json:"window_titles"`
}

// MetricBatch is the payload posted to the metrics endpoint.
type MetricBatch struct {
	InstanceID string            `json:"instance_id"`
	Snapshots  []MetricsSnapshot `json:"snapshots"`
}
