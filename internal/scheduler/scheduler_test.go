package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/a1tools/agent/internal/models"
)

type fakeSource struct {
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeSource) Collect(_ context.Context, username string) models.MetricsSnapshot {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return models.MetricsSnapshot{Username: username, Timestamp: time.Now()}
}

func TestStart_CollectsAndBatches(t *testing.T) {
	src := &fakeSource{}
	s := New(src, func() string { return "alice" },
		Options{Interval: 10 * time.Millisecond, BatchInterval: 35 * time.Millisecond}, zaptest.NewLogger(t))

	var mu sync.Mutex
	var snapshots, batched int
	s.OnSnapshot(func(snap models.MetricsSnapshot) {
		mu.Lock()
		snapshots++
		mu.Unlock()
		if snap.Username != "alice" {
			t.Errorf("Username = %q", snap.Username)
		}
	})
	s.OnBatchReady(func(_ context.Context, batch []models.MetricsSnapshot) {
		mu.Lock()
		batched += len(batch)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	mu.Lock()
	defer mu.Unlock()
	if snapshots < 3 {
		t.Errorf("snapshots = %d, want at least 3", snapshots)
	}
	if batched != snapshots {
		t.Errorf("batched %d snapshots, collected %d; shutdown flush lost some", batched, snapshots)
	}
}

func TestStart_WaitsForOutstandingCycle(t *testing.T) {
	src := &fakeSource{delay: 80 * time.Millisecond}
	s := New(src, nil, Options{Interval: time.Hour, BatchInterval: time.Hour}, zaptest.NewLogger(t))

	var flushed atomic.Int32
	s.OnBatchReady(func(_ context.Context, batch []models.MetricsSnapshot) {
		flushed.Add(int32(len(batch)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	if flushed.Load() != 1 {
		t.Errorf("flushed %d snapshots, want the in-flight one", flushed.Load())
	}
}

func TestStart_TicksDoNotWaitForSlowCycles(t *testing.T) {
	src := &fakeSource{delay: 60 * time.Millisecond}
	s := New(src, nil, Options{Interval: 10 * time.Millisecond, BatchInterval: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if n := src.calls.Load(); n < 3 {
		t.Errorf("source called %d times, want cycles spawned on every tick", n)
	}
}

func TestRunOnce(t *testing.T) {
	src := &fakeSource{}
	s := New(src, func() string { return "bob" }, Options{}, zaptest.NewLogger(t))
	if snap := s.RunOnce(context.Background()); snap.Username != "bob" {
		t.Errorf("Username = %q", snap.Username)
	}
}
