// Package scheduler implements a tick-based periodic collection scheduler.
// It drives snapshot collection at a configurable interval and batches
// snapshots for transmission. The scheduler does NOT send data directly;
// it invokes callbacks for every snapshot and whenever a batch is ready.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/models"
)

// flushTimeout bounds the final batch callback on shutdown.
const flushTimeout = 15 * time.Second

// Source produces one snapshot per call. *collector.Collector implements it.
type Source interface {
	Collect(ctx context.Context, username string) models.MetricsSnapshot
}

// Options configure a Scheduler.
type Options struct {
	Interval      time.Duration
	BatchInterval time.Duration
}

// Scheduler manages periodic collection and batching.
type Scheduler struct {
	source   Source
	identity func() string
	opts     Options
	logger   *zap.Logger

	batch   []models.MetricsSnapshot
	batchMu sync.Mutex
	cycles  sync.WaitGroup

	onSnapshot   []func(models.MetricsSnapshot)
	onBatchReady []func(context.Context, []models.MetricsSnapshot)
}

// New creates a Scheduler. identity returns the username to collect for.
func New(source Source, identity func() string, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if identity == nil {
		identity = func() string { return "" }
	}
	return &Scheduler{
		source:   source,
		identity: identity,
		opts:     opts,
		logger:   logger.Named("scheduler"),
		batch:    make([]models.MetricsSnapshot, 0),
	}
}

// OnSnapshot registers a callback invoked with every collected snapshot.
// Must be called before Start.
func (s *Scheduler) OnSnapshot(fn func(models.MetricsSnapshot)) {
	s.onSnapshot = append(s.onSnapshot, fn)
}

// OnBatchReady registers a callback invoked when a batch is ready to send.
// The callback is responsible for transmission or buffering. Must be called
// before Start.
func (s *Scheduler) OnBatchReady(fn func(context.Context, []models.MetricsSnapshot)) {
	s.onBatchReady = append(s.onBatchReady, fn)
}

// Start begins the collection and batching loops. It blocks until the context
// is cancelled. On shutdown it waits for outstanding cycles and flushes the
// remaining batch.
func (s *Scheduler) Start(ctx context.Context) {
	collectTicker := time.NewTicker(s.opts.Interval)
	batchTicker := time.NewTicker(s.opts.BatchInterval)
	defer collectTicker.Stop()
	defer batchTicker.Stop()

	s.spawnCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.cycles.Wait()
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			s.flushBatch(flushCtx)
			cancel()
			return
		case <-collectTicker.C:
			s.spawnCycle(ctx)
		case <-batchTicker.C:
			s.flushBatch(ctx)
		}
	}
}

// RunOnce collects a single snapshot synchronously, bypassing batching.
func (s *Scheduler) RunOnce(ctx context.Context) models.MetricsSnapshot {
	return s.source.Collect(ctx, s.identity())
}

// spawnCycle runs one collection without blocking the tick loop. A cycle that
// starts while another is still running is answered by the source's busy path.
func (s *Scheduler) spawnCycle(ctx context.Context) {
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		s.collect(ctx)
	}()
}

func (s *Scheduler) collect(ctx context.Context) {
	snapshot := s.source.Collect(ctx, s.identity())

	s.batchMu.Lock()
	s.batch = append(s.batch, snapshot)
	s.batchMu.Unlock()

	for _, fn := range s.onSnapshot {
		fn(snapshot)
	}
	s.logger.Debug("Collected snapshot", zap.Time("timestamp", snapshot.Timestamp))
}

// flushBatch hands the current batch to the callbacks and resets it.
func (s *Scheduler) flushBatch(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]models.MetricsSnapshot, 0)
	s.batchMu.Unlock()

	s.logger.Info("Flushing batch", zap.Int("count", len(batch)))
	for _, fn := range s.onBatchReady {
		fn(ctx, batch)
	}
}
