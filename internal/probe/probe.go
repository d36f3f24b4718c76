// Package probe is the program behind the agent's external metric query.
// It runs inside the short-lived `agent probe` process, gathers every dynamic
// host fact in one pass and prints a single query.Document as JSON.
//
// Output schema (query.SchemaVersion = 1):
//
//	cpu_percent, memory_percent, disk_percent       float, 0-100
//	disk_free_gb, disk_total_gb                     float, system volume
//	gpu_percent                                     float, 0 if unknown
//	process_count                                   int
//	battery_level, battery_charging                 int / bool, null without battery
//	net_bytes_recv, net_bytes_sent                  cumulative counters, all NICs
//	network_status                                  "online" | "offline"
//	latency_ms                                      float, null when offline
//	connection_type                                 "wifi" | "ethernet" | "unknown"
//	wifi_name, vpn                                  string / bool
//	idle_seconds                                    int
//	active_window, foreground_process               string
//	top_processes                                   [{name, cpu, memory}]
//	browsers                                        [{name, running, process_count, memory_mb, current_window, window_titles}]
package probe

import "context"

// Probe is the interface that all fact probes must implement.
// Each probe gathers one group of related facts.
type Probe interface {
	// Name returns the unique identifier for this probe.
	Name() string

	// Collect gathers the facts and returns them.
	// The context carries the shared deadline of the probe run.
	Collect(ctx context.Context) (interface{}, error)
}
