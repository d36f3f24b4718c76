// Package collector builds one MetricsSnapshot per cycle from the static fact
// cache, the external metric query and the derived rate/accumulator state.
package collector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/query"
)

// DefaultPublicIPTimeout bounds the public address lookup.
const DefaultPublicIPTimeout = 5 * time.Second

// QueryRunner runs the external metric query. *query.Executor implements it.
type QueryRunner interface {
	Run(ctx context.Context, script query.Script, timeout time.Duration) (query.Document, error)
}

// AppState reports the host application's focus and current screen.
type AppState interface {
	Focused() bool
	Screen() string
}

// Options tune a Collector.
type Options struct {
	Script          query.Script
	QueryTimeout    time.Duration
	PublicIPURL     string // empty disables the lookup
	PublicIPTimeout time.Duration
	ActiveTimeCap   time.Duration
	AppVersion      string
}

// Collector produces snapshots. It owns the static fact cache and all
// previous-sample state; at most one collection runs at a time.
type Collector struct {
	logger  *zap.Logger
	runner  QueryRunner
	app     AppState
	metrics *metrics.Metrics
	opts    Options
	client  *http.Client

	facts      *StaticFacts
	throughput Throughput
	activeTime *ActiveTime
	collecting atomic.Bool

	// last values, served to cycles that arrive while another is running
	mu        sync.Mutex
	localIP   string
	publicIP  string
	activeSec int64

	startedAt     time.Time
	now           func() time.Time
	lookupLocalIP func(ctx context.Context) string
}

// New creates a Collector. app and m may be nil.
func New(runner QueryRunner, app AppState, opts Options, m *metrics.Metrics, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PublicIPTimeout <= 0 {
		opts.PublicIPTimeout = DefaultPublicIPTimeout
	}
	return &Collector{
		logger:        logger.Named("collector"),
		runner:        runner,
		app:           app,
		metrics:       m,
		opts:          opts,
		client:        &http.Client{Timeout: opts.PublicIPTimeout},
		facts:         NewStaticFacts(),
		activeTime:    NewActiveTime(opts.ActiveTimeCap),
		localIP:       models.Unknown,
		publicIP:      models.Unknown,
		startedAt:     processStartTime(context.Background(), time.Now()),
		now:           time.Now,
		lookupLocalIP: localIPv4,
	}
}

// Collect returns a snapshot for username. It never fails: a cycle that
// arrives while another is running gets cached values and defaults without
// a new query, and a cycle that panics yields a fully defaulted snapshot.
func (c *Collector) Collect(ctx context.Context, username string) (snap models.MetricsSnapshot) {
	if !c.collecting.CompareAndSwap(false, true) {
		c.logger.Debug("Collection already in progress, returning cached snapshot")
		c.metrics.ObserveCycle(metrics.CycleBusy)
		return c.cachedSnapshot(username)
	}
	defer c.collecting.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Collection cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.metrics.ObserveCycle(metrics.CycleDegraded)
			snap = c.baseSnapshot(username, c.now())
		}
	}()
	return c.collect(ctx, username)
}

func (c *Collector) collect(ctx context.Context, username string) models.MetricsSnapshot {
	c.facts.Ensure(ctx)

	publicCh := make(chan string, 1)
	go func() { publicCh <- c.resolvePublicIP(ctx) }()
	local := c.lookupLocalIP(ctx)

	started := time.Now()
	doc, err := c.runner.Run(ctx, c.opts.Script, c.opts.QueryTimeout)
	c.metrics.ObserveQuery(time.Since(started))
	if err != nil {
		if errors.Is(err, query.ErrBusy) {
			c.logger.Debug("Query executor busy, using defaults")
		} else {
			c.logger.Warn("Query failed, using defaults", zap.Error(err))
		}
		doc = query.Empty()
	}
	public := <-publicCh

	now := c.now()
	snap := c.baseSnapshot(username, now)
	snap.LocalIP = local
	snap.PublicIP = public
	applyDocument(&snap, doc)

	if doc.Populated() {
		snap.NetworkDownloadMBps, snap.NetworkUploadMBps = c.throughput.Observe(
			counter(doc.NetBytesRecv), counter(doc.NetBytesSent), now)
	}
	snap.ActiveTimeToday = c.activeTime.Observe(now, snap.IsFocused)

	c.mu.Lock()
	c.localIP, c.publicIP, c.activeSec = local, public, snap.ActiveTimeToday
	c.mu.Unlock()

	if doc.Populated() {
		c.metrics.ObserveCycle(metrics.CycleOK)
	} else {
		c.metrics.ObserveCycle(metrics.CycleDegraded)
	}
	return snap
}

// cachedSnapshot is the busy-path answer: no probes, last known values only.
func (c *Collector) cachedSnapshot(username string) models.MetricsSnapshot {
	snap := c.baseSnapshot(username, c.now())
	c.mu.Lock()
	snap.LocalIP, snap.PublicIP, snap.ActiveTimeToday = c.localIP, c.publicIP, c.activeSec
	c.mu.Unlock()
	return snap
}

// baseSnapshot fills identity, application facts and every default.
func (c *Collector) baseSnapshot(username string, now time.Time) models.MetricsSnapshot {
	if username == "" {
		username = models.Unknown
	}
	facts := c.facts.Facts()
	snap := models.MetricsSnapshot{
		ComputerName:   facts.ComputerName,
		Username:       username,
		OSVersion:      facts.OSVersion,
		OSUser:         facts.OSUser,
		LocalIP:        models.Unknown,
		PublicIP:       models.Unknown,
		NetworkStatus:  query.DefaultNetworkStatus,
		ConnectionType: query.DefaultConnectionType,
		AppVersion:     c.opts.AppVersion,
		AppUptime:      formatUptime(now.Sub(c.startedAt)),
		TopProcesses:   []models.ProcessInfo{},
		Browsers:       []models.BrowserInfo{},
		Timestamp:      now.UTC(),
	}
	if c.app != nil {
		snap.IsFocused = c.app.Focused()
		snap.CurrentScreen = c.app.Screen()
	}
	return snap
}

func (c *Collector) resolvePublicIP(ctx context.Context) string {
	if c.opts.PublicIPURL == "" {
		return models.Unknown
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.PublicIPTimeout)
	defer cancel()
	ip, err := publicIP(ctx, c.client, c.opts.PublicIPURL)
	if err != nil {
		c.logger.Debug("Public IP lookup failed", zap.Error(err))
		return models.Unknown
	}
	return ip
}

// applyDocument copies the query's dynamic facts onto snap.
func applyDocument(snap *models.MetricsSnapshot, doc query.Document) {
	snap.CPUPercent = float64(doc.CPUPercent)
	snap.MemoryPercent = float64(doc.MemoryPercent)
	snap.DiskPercent = float64(doc.DiskPercent)
	snap.DiskFreeGB = float64(doc.DiskFreeGB)
	snap.DiskTotalGB = float64(doc.DiskTotalGB)
	snap.GPUPercent = float64(doc.GPUPercent)
	snap.ProcessCount = int(doc.ProcessCount)
	snap.BatteryLevel = query.IntPtr(doc.BatteryLevel)
	snap.BatteryCharging = doc.BatteryCharging

	snap.NetworkStatus = doc.NetworkStatus
	snap.LatencyMS = query.Float64Ptr(doc.LatencyMS)
	snap.ConnectionType = doc.ConnectionType
	snap.WifiName = doc.WifiName
	snap.VPNActive = doc.VPN

	snap.IdleSeconds = int(doc.IdleSeconds)
	snap.ActiveWindow = doc.ActiveWindow
	snap.ForegroundProcess = doc.ForegroundProcess
	if doc.TopProcesses != nil {
		snap.TopProcesses = doc.TopProcesses
	}
	if doc.Browsers != nil {
		snap.Browsers = doc.Browsers
	}
}

func counter(f query.Float) uint64 {
	if f <= 0 {
		return 0
	}
	return uint64(f)
}
