package probe

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/platform"
)

// knownBrowsers maps a reported browser name to the process-name tokens that
// identify it. Edge is listed before Chrome so "msedge" never falls through.
var knownBrowsers = []struct {
	name   string
	tokens []string
}{
	{"edge", []string{"msedge", "microsoft edge"}},
	{"chrome", []string{"chrome", "google chrome", "chromium"}},
	{"firefox", []string{"firefox"}},
	{"brave", []string{"brave"}},
	{"opera", []string{"opera"}},
	{"vivaldi", []string{"vivaldi"}},
	{"safari", []string{"safari"}},
}

// procSample is the subset of per-process data the probe keeps.
type procSample struct {
	PID    int32
	Name   string
	CPU    float64
	Memory float64
	RSS    uint64
}

// ProcessResult holds the process table summary.
type ProcessResult struct {
	Count    int
	Top      []models.ProcessInfo
	Browsers []models.BrowserInfo

	// names and browserPIDs let the assembler resolve the foreground
	// process and the browser owning the active window.
	names       map[int32]string
	browserPIDs map[string][]int32
}

// ProcessProbe enumerates processes once and derives the process count,
// the top N by CPU and the browser aggregation.
type ProcessProbe struct {
	TopN     int
	Platform platform.Platform
	Logger   *zap.Logger
}

// Name returns the probe identifier.
func (p *ProcessProbe) Name() string { return "processes" }

// Collect gathers the process table. Individual process errors are skipped
// so one inaccessible process does not fail the whole probe.
func (p *ProcessProbe) Collect(ctx context.Context) (interface{}, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	samples := make([]procSample, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		cpuPct, _ := proc.CPUPercentWithContext(ctx)
		memPct, _ := proc.MemoryPercentWithContext(ctx)
		s := procSample{PID: proc.Pid, Name: name, CPU: cpuPct, Memory: float64(memPct)}
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			s.RSS = info.RSS
		}
		samples = append(samples, s)
	}

	result := ProcessResult{
		Count: len(procs),
		Top:   topProcesses(samples, p.TopN),
		names: make(map[int32]string, len(samples)),
	}
	for _, s := range samples {
		result.names[s.PID] = s.Name
	}

	var titles map[int32][]string
	if p.Platform != nil {
		var pids []int32
		for _, s := range samples {
			if browserName(s.Name) != "" {
				pids = append(pids, s.PID)
			}
		}
		if len(pids) > 0 {
			titles, err = p.Platform.WindowTitles(ctx, pids)
			if err != nil && p.Logger != nil {
				p.Logger.Debug("Browser window titles unavailable", zap.Error(err))
			}
		}
	}
	result.Browsers, result.browserPIDs = aggregateBrowsers(samples, titles)
	return result, nil
}

// topProcesses returns the n busiest processes by CPU, ties broken by memory.
func topProcesses(samples []procSample, n int) []models.ProcessInfo {
	sorted := make([]procSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CPU != sorted[j].CPU {
			return sorted[i].CPU > sorted[j].CPU
		}
		return sorted[i].Memory > sorted[j].Memory
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	top := make([]models.ProcessInfo, 0, len(sorted))
	for _, s := range sorted {
		top = append(top, models.ProcessInfo{
			Name:   s.Name,
			CPU:    round2(s.CPU),
			Memory: round2(s.Memory),
		})
	}
	return top
}

// aggregateBrowsers groups samples by browser. Every known browser is listed;
// browsers with no processes are reported with Running=false.
func aggregateBrowsers(samples []procSample, titles map[int32][]string) ([]models.BrowserInfo, map[string][]int32) {
	pids := make(map[string][]int32)
	byName := make(map[string]*models.BrowserInfo)
	out := make([]models.BrowserInfo, len(knownBrowsers))
	for i, b := range knownBrowsers {
		out[i] = models.BrowserInfo{Name: b.name, WindowTitles: []string{}}
		byName[b.name] = &out[i]
	}

	rss := make(map[string]uint64)
	for _, s := range samples {
		name := browserName(s.Name)
		if name == "" {
			continue
		}
		info := byName[name]
		info.Running = true
		info.ProcessCount++
		rss[name] += s.RSS
		pids[name] = append(pids[name], s.PID)
		info.WindowTitles = append(info.WindowTitles, titles[s.PID]...)
	}
	for name, total := range rss {
		byName[name].MemoryMB = round2(float64(total) / (1 << 20))
	}
	return out, pids
}

// browserName maps a process name to a known browser, or "".
func browserName(processName string) string {
	n := strings.ToLower(strings.TrimSpace(processName))
	n = strings.TrimSuffix(n, ".exe")
	for _, b := range knownBrowsers {
		for _, token := range b.tokens {
			if strings.HasPrefix(n, token) {
				return b.name
			}
		}
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
