package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/platform"
	"github.com/a1tools/agent/internal/query"
)

// Options configure one probe run.
type Options struct {
	TopN     int
	Target   string
	Deadline time.Duration
}

// DefaultDeadline leaves headroom under the agent's default query timeout.
const DefaultDeadline = 20 * time.Second

// NewDefaultRegistry registers every probe for the running platform.
func NewDefaultRegistry(opts Options, plat platform.Platform, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(&CPUProbe{})
	r.Register(&MemoryProbe{})
	r.Register(&DiskProbe{})
	r.Register(&NetworkProbe{})
	r.Register(&ProcessProbe{TopN: opts.TopN, Platform: plat, Logger: logger})
	r.Register(&ConnectivityProbe{Target: opts.Target, Platform: plat})
	r.Register(&DesktopProbe{Platform: plat})
	r.Register(&BatteryProbe{Platform: plat})
	r.Register(&GPUProbe{Platform: plat})
	return r
}

// Run collects every probe under the deadline and writes one Document to w.
func Run(ctx context.Context, opts Options, w io.Writer, logger *zap.Logger) error {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	registry := NewDefaultRegistry(opts, platform.New(), logger)
	logger.Debug("Running probes", zap.Strings("probes", registry.Names()), zap.Duration("deadline", opts.Deadline))
	doc := Assemble(registry.CollectAll(ctx))

	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// Assemble maps probe results into a Document. Missing results leave the
// corresponding fields at their defaults.
func Assemble(results map[string]interface{}) query.Document {
	doc := query.Empty()
	doc.SchemaVersion = query.SchemaVersion

	if v, ok := results["cpu"].(float64); ok {
		doc.CPUPercent = query.Float(round2(v))
	}

	if v, ok := results["memory"].(float64); ok {
		doc.MemoryPercent = query.Float(round2(v))
	}

	if d, ok := results["disk"].(DiskResult); ok {
		doc.DiskPercent = query.Float(round2(d.Percent))
		doc.DiskFreeGB = query.Float(round2(d.FreeGB))
		doc.DiskTotalGB = query.Float(round2(d.TotalGB))
	}

	if n, ok := results["network"].(NetworkResult); ok {
		doc.NetBytesRecv = query.Float(n.BytesRecv)
		doc.NetBytesSent = query.Float(n.BytesSent)
	}

	if g, ok := results["gpu"].(float64); ok {
		doc.GPUPercent = query.Float(round2(g))
	}

	if b, ok := results["battery"].(platform.Battery); ok && b.Present {
		level := query.Float(b.Level)
		charging := b.Charging
		doc.BatteryLevel = &level
		doc.BatteryCharging = &charging
	}

	if c, ok := results["connectivity"].(ConnectivityResult); ok {
		if c.Online {
			doc.NetworkStatus = "online"
		}
		if c.LatencyMS != nil {
			latency := query.Float(*c.LatencyMS)
			doc.LatencyMS = &latency
		}
		doc.ConnectionType = c.ConnectionType
		doc.WifiName = c.WifiName
		doc.VPN = c.VPN
	}

	desktop, haveDesktop := results["desktop"].(DesktopResult)
	if haveDesktop {
		doc.IdleSeconds = query.Float(desktop.IdleSeconds)
		doc.ActiveWindow = desktop.Window.Title
	}

	if p, ok := results["processes"].(ProcessResult); ok {
		doc.ProcessCount = query.Float(p.Count)
		doc.TopProcesses = p.Top
		doc.Browsers = p.Browsers
		if haveDesktop && desktop.Window.PID > 0 {
			doc.ForegroundProcess = p.names[desktop.Window.PID]
			markCurrentWindow(doc.Browsers, p.browserPIDs, desktop.Window)
		}
	}

	return doc
}

// markCurrentWindow sets CurrentWindow on the browser owning the focused window.
func markCurrentWindow(browsers []models.BrowserInfo, pids map[string][]int32, w platform.Window) {
	for i := range browsers {
		for _, pid := range pids[browsers[i].Name] {
			if pid == w.PID {
				browsers[i].CurrentWindow = w.Title
				return
			}
		}
	}
}
