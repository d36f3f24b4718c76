// Package sender uploads snapshot batches to the metrics endpoint.
// Batches are marshaled to JSON, gzip-compressed and POSTed with exponential
// backoff; batches that cannot be delivered are kept in the local buffer.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/buffer"
	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/models"
)

const (
	// DefaultMaxRetries is the number of retries before buffering locally.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the first backoff delay; it doubles per retry.
	DefaultBaseDelay = 2 * time.Second

	// requestTimeout is the HTTP request timeout for each send attempt.
	requestTimeout = 10 * time.Second
)

// Options configure a Sender.
type Options struct {
	URL        string
	Token      string
	InstanceID string
	MaxRetries int
	BaseDelay  time.Duration
}

// Sender delivers batches, falling back to the buffer when the server is
// unreachable.
type Sender struct {
	client  *http.Client
	opts    Options
	logger  *zap.Logger
	buf     *buffer.Buffer
	metrics *metrics.Metrics
}

// New creates a Sender. buf and m may be nil.
func New(opts Options, buf *buffer.Buffer, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	return &Sender{
		client:  &http.Client{Timeout: requestTimeout},
		opts:    opts,
		logger:  logger.Named("sender"),
		buf:     buf,
		metrics: m,
	}
}

// Send uploads one batch. Rate limiting, exhausted retries and cancellation
// buffer the batch; credential rejections and client errors drop it.
func (s *Sender) Send(ctx context.Context, snapshots []models.MetricsSnapshot) {
	if len(snapshots) == 0 {
		return
	}
	body, err := encodeBatch(models.MetricBatch{InstanceID: s.opts.InstanceID, Snapshots: snapshots})
	if err != nil {
		s.logger.Error("Failed to encode batch", zap.Error(err))
		s.bufferBatch(snapshots)
		return
	}

	delay := s.opts.BaseDelay
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("Retrying send",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				s.logger.Info("Send cancelled, buffering batch")
				s.bufferBatch(snapshots)
				return
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := s.doSend(ctx, body)
		if err == nil {
			s.logger.Debug("Batch sent", zap.Int("snapshots", len(snapshots)))
			s.metrics.ObserveBatch(metrics.BatchSent)
			return
		}

		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.code == http.StatusTooManyRequests:
				s.logger.Warn("Rate limited by server, buffering batch", zap.Error(err))
				s.bufferBatch(snapshots)
				return
			case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
				s.logger.Error("Metrics upload rejected, dropping batch",
					zap.Int("snapshots", len(snapshots)),
					zap.Error(err))
				s.metrics.ObserveBatch(metrics.BatchDropped)
				return
			case se.code < 500:
				s.logger.Error("Server refused batch, dropping",
					zap.Int("snapshots", len(snapshots)),
					zap.Error(err))
				s.metrics.ObserveBatch(metrics.BatchDropped)
				return
			}
		}

		s.logger.Warn("Send failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	s.logger.Error("All retries exhausted, buffering batch")
	s.bufferBatch(snapshots)
}

// FlushBuffer resends every buffered batch. Called on startup to drain
// batches stored during prior outages.
func (s *Sender) FlushBuffer(ctx context.Context) {
	if s.buf == nil {
		return
	}
	batches, err := s.buf.RetrieveAll()
	if err != nil {
		s.logger.Error("Failed to retrieve buffered batches", zap.Error(err))
		return
	}
	if len(batches) == 0 {
		return
	}

	s.logger.Info("Flushing buffered batches", zap.Int("batches", len(batches)))
	for i, batch := range batches {
		if ctx.Err() != nil {
			for _, rest := range batches[i:] {
				s.bufferBatch(rest)
			}
			return
		}
		s.Send(ctx, batch)
	}
}

func (s *Sender) doSend(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

func (s *Sender) bufferBatch(snapshots []models.MetricsSnapshot) {
	if s.buf == nil {
		s.logger.Warn("No buffer available, dropping batch", zap.Int("snapshots", len(snapshots)))
		s.metrics.ObserveBatch(metrics.BatchDropped)
		return
	}
	if err := s.buf.Store(snapshots); err != nil {
		s.logger.Error("Failed to buffer batch", zap.Error(err))
		s.metrics.ObserveBatch(metrics.BatchDropped)
		return
	}
	s.metrics.ObserveBatch(metrics.BatchBuffered)
}

func encodeBatch(batch models.MetricBatch) ([]byte, error) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if err := json.NewEncoder(gz).Encode(batch); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// statusError is a non-2xx response from the metrics endpoint.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d", e.code)
}
