package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/a1tools/agent/internal/models"
)

// SchemaVersion is the version of the Document layout written by the probe
// program. Custom query scripts must emit the same field names.
const SchemaVersion = 1

// Default values applied at the decode boundary.
const (
	DefaultConnectionType = "unknown"
	DefaultNetworkStatus  = "offline"
)

// Document is the single JSON object emitted by one query run. Missing fields
// keep their defaults; numeric fields accept numbers or numeric strings since
// shell and PowerShell scripts are loose about quoting.
type Document struct {
	SchemaVersion int `json:"schema_version"`

	CPUPercent    Float `json:"cpu_percent"`
	MemoryPercent Float `json:"memory_percent"`
	DiskPercent   Float `json:"disk_percent"`
	DiskFreeGB    Float `json:"disk_free_gb"`
	DiskTotalGB   Float `json:"disk_total_gb"`
	GPUPercent    Float `json:"gpu_percent"`
	ProcessCount  Float `json:"process_count"`

	BatteryLevel    *Float `json:"battery_level"`
	BatteryCharging *bool  `json:"battery_charging"`

	NetBytesRecv Float `json:"net_bytes_recv"`
	NetBytesSent Float `json:"net_bytes_sent"`

	NetworkStatus  string `json:"network_status"`
	LatencyMS      *Float `json:"latency_ms"`
	ConnectionType string `json:"connection_type"`
	WifiName       string `json:"wifi_name"`
	VPN            bool   `json:"vpn"`

	IdleSeconds       Float  `json:"idle_seconds"`
	ActiveWindow      string `json:"active_window"`
	ForegroundProcess string `json:"foreground_process"`

	TopProcesses []models.ProcessInfo `json:"top_processes"`
	Browsers     []models.BrowserInfo `json:"browsers"`

	populated bool
}

// Empty returns the all-defaults document used when a run produced no data.
func Empty() Document {
	return Document{
		NetworkStatus:  DefaultNetworkStatus,
		ConnectionType: DefaultConnectionType,
		TopProcesses:   []models.ProcessInfo{},
		Browsers:       []models.BrowserInfo{},
	}
}

// Populated reports whether the document was decoded from real query output.
func (d Document) Populated() bool { return d.populated }

// UnmarshalJSON decodes over a defaulted document so absent fields keep
// their defaults and explicit nulls do not blank out required strings.
func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	doc := plain(Empty())
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Document(doc)
	if out.NetworkStatus == "" {
		out.NetworkStatus = DefaultNetworkStatus
	}
	if out.ConnectionType == "" {
		out.ConnectionType = DefaultConnectionType
	}
	if out.TopProcesses == nil {
		out.TopProcesses = []models.ProcessInfo{}
	}
	if out.Browsers == nil {
		out.Browsers = []models.BrowserInfo{}
	}
	for i := range out.Browsers {
		if out.Browsers[i].WindowTitles == nil {
			out.Browsers[i].WindowTitles = []string{}
		}
	}
	out.populated = true
	*d = out
	return nil
}

// Decode extracts the JSON object from raw process output. Anything printed
// before the first '{' or after the last '}' is ignored.
func Decode(raw []byte) (Document, error) {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return Empty(), fmt.Errorf("no JSON object in output (%d bytes)", len(raw))
	}
	var doc Document
	if err := json.Unmarshal(raw[start:end+1], &doc); err != nil {
		return Empty(), fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// Float is a float64 that also accepts quoted numbers and null.
type Float float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = Float(v)
	return nil
}

// IntPtr converts an optional Float to an optional int.
func IntPtr(f *Float) *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// Float64Ptr converts an optional Float to an optional float64.
func Float64Ptr(f *Float) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}
