// Package heartbeat reports the presence status to the server on a fixed
// interval and on every presence change. Consecutive failures trip a circuit
// breaker that stops the reporter; authentication failures stop it at once.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/presence"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultTimeout          = 10 * time.Second
	DefaultFailureThreshold = 5

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 4 << 10
)

// Options configure a Reporter.
type Options struct {
	URL              string
	Token            string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	AppVersion       string // empty resolves from build info
	InstanceID       string

	// OnAuthError is called once when the server rejects the agent's
	// credentials (401/403). The host is expected to force a new login.
	OnAuthError func()
}

// StatusError is a non-2xx heartbeat response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("heartbeat rejected (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("heartbeat rejected (%d)", e.Code)
}

// Auth reports whether the status is 401 or 403.
func (e *StatusError) Auth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// IsAuthError reports whether err is an authentication-class StatusError.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Auth()
}

type heartbeatRequest struct {
	Action     string `json:"action"`
	Username   string `json:"username"`
	Status     string `json:"status"`
	AppVersion string `json:"app_version"`
	InstanceID string `json:"instance_id,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Reporter sends heartbeats for one logged-in identity at a time.
type Reporter struct {
	logger  *zap.Logger
	client  *http.Client
	machine *presence.Machine
	metrics *metrics.Metrics
	opts    Options

	mu          sync.Mutex
	running     bool
	gen         uint64
	username    string
	appVersion  string
	failures    int
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a stopped Reporter driven by machine. m may be nil.
func New(machine *presence.Machine, opts Options, m *metrics.Metrics, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = presence.NewMachine()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Reporter{
		logger:  logger.Named("heartbeat"),
		client:  &http.Client{Timeout: opts.Timeout},
		machine: machine,
		metrics: m,
		opts:    opts,
	}
}

// Start begins reporting for username: one immediate heartbeat, then one per
// interval and one per presence change. Calling Start while running only
// updates the identity.
func (r *Reporter) Start(username string) {
	r.mu.Lock()
	r.username = username
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.gen++
	r.failures = 0
	r.metrics.SetFailures(0)
	r.appVersion = resolveVersion(r.opts.AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	gen := r.gen
	r.cancel = cancel
	r.unsubscribe = r.machine.Subscribe(func(s presence.Status) {
		go r.send(ctx, gen, s)
	})
	r.mu.Unlock()

	r.logger.Info("Heartbeat started",
		zap.String("username", username),
		zap.Duration("interval", r.opts.Interval))
	go r.loop(ctx, gen)
}

// Stop cancels the ticker and the presence subscription. It does not wait
// for an in-flight request and is safe to call at any time.
func (r *Reporter) Stop() {
	r.mu.Lock()
	stopped := r.stopLocked()
	r.mu.Unlock()
	if stopped {
		r.logger.Info("Heartbeat stopped")
	}
}

// SetStatus overrides the presence status. A change is reported immediately
// when the reporter is running.
func (r *Reporter) SetStatus(s presence.Status) error {
	return r.machine.Set(s)
}

// CurrentStatus returns the presence status that will be reported.
func (r *Reporter) CurrentStatus() presence.Status {
	return r.machine.Current()
}

// Running reports whether the reporter is active.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Failures returns the current consecutive failure count.
func (r *Reporter) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Username returns the identity being reported.
func (r *Reporter) Username() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username
}

// stopLocked must be called with r.mu held.
func (r *Reporter) stopLocked() bool {
	if !r.running {
		return false
	}
	r.running = false
	r.cancel()
	r.unsubscribe()
	return true
}

func (r *Reporter) loop(ctx context.Context, gen uint64) {
	r.send(ctx, gen, r.machine.Current())

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.send(ctx, gen, r.machine.Current())
		}
	}
}

// send posts one heartbeat and applies the failure policy to the result.
// Results that arrive after the run they belong to has stopped are ignored.
func (r *Reporter) send(ctx context.Context, gen uint64, status presence.Status) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	payload := heartbeatRequest{
		Action:     "heartbeat",
		Username:   r.username,
		Status:     string(status),
		AppVersion: r.appVersion,
		InstanceID: r.opts.InstanceID,
	}
	r.mu.Unlock()

	err := r.post(ctx, payload)

	r.mu.Lock()
	if !r.running || r.gen != gen {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.failures = 0
		r.metrics.SetFailures(0)
		r.metrics.ObserveHeartbeat(metrics.HeartbeatOK)
		r.mu.Unlock()
		r.logger.Debug("Heartbeat sent", zap.String("status", payload.Status))
		return
	}

	r.failures++
	failures := r.failures
	r.metrics.SetFailures(failures)

	if IsAuthError(err) {
		r.metrics.ObserveHeartbeat(metrics.HeartbeatAuth)
		r.stopLocked()
		r.mu.Unlock()
		r.logger.Error("Heartbeat rejected by server, stopping", zap.Error(err))
		if r.opts.OnAuthError != nil {
			r.opts.OnAuthError()
		}
		return
	}

	r.metrics.ObserveHeartbeat(metrics.HeartbeatFailed)
	if failures >= r.opts.FailureThreshold {
		r.stopLocked()
		r.mu.Unlock()
		r.logger.Error("Too many consecutive heartbeat failures, stopping",
			zap.Int("failures", failures),
			zap.Error(err))
		return
	}
	r.mu.Unlock()
	r.logger.Warn("Heartbeat failed",
		zap.Int("failures", failures),
		zap.Int("threshold", r.opts.FailureThreshold),
		zap.Error(err))
}

func (r *Reporter) post(ctx context.Context, payload heartbeatRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	se := &StatusError{Code: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		se.Message = er.Message
	}
	return se
}

// resolveVersion prefers the configured version, then the module version
// stamped into the binary.
func resolveVersion(configured string) string {
	if configured != "" {
		return configured
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "unknown"
}
