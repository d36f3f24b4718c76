package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap/zaptest"

	"github.com/a1tools/agent/internal/buffer"
	"github.com/a1tools/agent/internal/models"
)

func newSender(t *testing.T, url string) (*Sender, *buffer.Buffer) {
	t.Helper()
	buf, err := buffer.New(t.TempDir(), 10, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	s := New(Options{URL: url, Token: "tok", InstanceID: "agent-1", MaxRetries: 2, BaseDelay: time.Millisecond},
		buf, nil, zaptest.NewLogger(t))
	return s, buf
}

func batch() []models.MetricsSnapshot {
	return []models.MetricsSnapshot{{Username: "alice", CPUPercent: 42}}
}

func TestSend_PostsCompressedBatch(t *testing.T) {
	var got models.MetricBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("headers = %v", r.Header)
		}
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body not gzip: %v", err)
			return
		}
		json.NewDecoder(gz).Decode(&got)
	}))
	defer srv.Close()

	s, buf := newSender(t, srv.URL)
	s.Send(context.Background(), batch())

	if got.InstanceID != "agent-1" || len(got.Snapshots) != 1 || got.Snapshots[0].CPUPercent != 42 {
		t.Errorf("server received %+v", got)
	}
	if buf.Count() != 0 {
		t.Error("successful send should not buffer")
	}
}

func TestSend_BuffersAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, buf := newSender(t, srv.URL)
	s.Send(context.Background(), batch())

	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
	if buf.Count() != 1 {
		t.Errorf("buffered = %d, want 1", buf.Count())
	}
}

func TestSend_StatusHandling(t *testing.T) {
	tests := []struct {
		code         int
		wantHits     int32
		wantBuffered int
	}{
		{http.StatusTooManyRequests, 1, 1},
		{http.StatusUnauthorized, 1, 0},
		{http.StatusForbidden, 1, 0},
		{http.StatusBadRequest, 1, 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			s, buf := newSender(t, srv.URL)
			s.Send(context.Background(), batch())

			if hits.Load() != tt.wantHits {
				t.Errorf("attempts = %d, want %d", hits.Load(), tt.wantHits)
			}
			if buf.Count() != tt.wantBuffered {
				t.Errorf("buffered = %d, want %d", buf.Count(), tt.wantBuffered)
			}
		})
	}
}

func TestFlushBuffer_ResendsStoredBatches(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	s, buf := newSender(t, srv.URL)
	buf.Store(batch())
	buf.Store(batch())

	s.FlushBuffer(context.Background())

	if received.Load() != 2 {
		t.Errorf("received = %d, want 2", received.Load())
	}
	if buf.Count() != 0 {
		t.Errorf("buffer still holds %d batches", buf.Count())
	}
}
