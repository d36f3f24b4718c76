package collector

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/a1tools/agent/internal/models"
)

// factsProbeTimeout bounds the one-time static fact probe.
const factsProbeTimeout = 5 * time.Second

// Facts are host facts that cannot change while the agent runs.
type Facts struct {
	ComputerName string
	OSVersion    string
	OSUser       string
}

// unknownFacts is reported before the cache is populated.
var unknownFacts = Facts{
	ComputerName: models.Unknown,
	OSVersion:    models.Unknown,
	OSUser:       models.Unknown,
}

// StaticFacts caches Facts for the lifetime of the owning Collector.
// The probe runs at most once; fields it cannot determine stay "Unknown"
// and are never retried.
type StaticFacts struct {
	once  sync.Once
	mu    sync.RWMutex
	facts Facts
	probe func(ctx context.Context) Facts
}

// NewStaticFacts creates an unpopulated cache backed by the host probe.
func NewStaticFacts() *StaticFacts {
	return &StaticFacts{facts: unknownFacts, probe: probeStaticFacts}
}

// Ensure populates the cache on first call. Later calls return immediately.
func (s *StaticFacts) Ensure(ctx context.Context) {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, factsProbeTimeout)
		defer cancel()
		f := s.probe(ctx)
		if f.ComputerName == "" {
			f.ComputerName = models.Unknown
		}
		if f.OSVersion == "" {
			f.OSVersion = models.Unknown
		}
		if f.OSUser == "" {
			f.OSUser = models.Unknown
		}
		s.mu.Lock()
		s.facts = f
		s.mu.Unlock()
	})
}

// Facts returns the cached facts, or "Unknown" placeholders before Ensure.
func (s *StaticFacts) Facts() Facts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts
}

// probeStaticFacts asks gopsutil first and falls back to OS tooling.
func probeStaticFacts(ctx context.Context) Facts {
	var f Facts
	if info, err := host.InfoWithContext(ctx); err == nil {
		f.ComputerName = info.Hostname
		f.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if f.ComputerName == "" {
		f.ComputerName, _ = os.Hostname()
	}
	if f.OSVersion == "" {
		f.OSVersion = collectOSVersion(ctx)
	}
	if u, err := user.Current(); err == nil {
		f.OSUser = u.Username
	} else if name := os.Getenv("USER"); name != "" {
		f.OSUser = name
	} else {
		f.OSUser = os.Getenv("USERNAME")
	}
	return f
}

// collectOSVersion dispatches to platform-specific version lookup.
func collectOSVersion(ctx context.Context) string {
	switch runtime.GOOS {
	case "linux":
		return linuxOSVersion()
	case "darwin":
		return darwinOSVersion(ctx)
	case "windows":
		return windowsOSVersion(ctx)
	default:
		return ""
	}
}

// linuxOSVersion reads PRETTY_NAME from /etc/os-release.
func linuxOSVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	fields := parseKeyValueFile(string(data))
	if pretty, ok := fields["PRETTY_NAME"]; ok {
		return strings.Trim(pretty, "\"")
	}
	name := strings.Trim(fields["NAME"], "\"")
	version := strings.Trim(fields["VERSION_ID"], "\"")
	return strings.TrimSpace(name + " " + version)
}

// darwinOSVersion uses sw_vers.
func darwinOSVersion(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
	if err != nil {
		return ""
	}
	return "macOS " + strings.TrimSpace(string(out))
}

// windowsOSVersion asks CIM for the OS caption and version.
func windowsOSVersion(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command",
		"$os = Get-CimInstance Win32_OperatingSystem; \"$($os.Caption) $($os.Version)\"").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// parseKeyValueFile parses KEY=VALUE lines (like /etc/os-release).
func parseKeyValueFile(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}
	return fields
}
