// Package buffer keeps snapshot batches on disk while the metrics endpoint is
// unreachable. Each batch is one gzip-compressed JSON file named by its
// store time, so lexical order is chronological. Data survives restarts; the
// oldest batches are dropped once the directory exceeds its size limit.
package buffer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/models"
)

const fileExt = ".json.gz"

// Buffer is a directory of pending batches.
type Buffer struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
	mu       sync.Mutex
	seq      int
	now      func() time.Time
}

// New creates a buffer at dir, creating the directory if needed.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &Buffer{
		dir:      dir,
		maxBytes: int64(maxSizeMB) << 20,
		logger:   logger.Named("buffer"),
		now:      time.Now,
	}, nil
}

// Store writes one batch. When the buffer is full the oldest batches are
// dropped first.
func (b *Buffer) Store(snapshots []models.MetricsSnapshot) error {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if err := json.NewEncoder(gz).Encode(snapshots); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.sizeLocked()+int64(compressed.Len()) > b.maxBytes {
		if !b.dropOldestLocked() {
			break
		}
		b.logger.Warn("Buffer full, dropped oldest batch")
	}

	b.seq++
	name := fmt.Sprintf("%s-%06d%s", b.now().UTC().Format("20060102T150405.000"), b.seq%1000000, fileExt)
	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed.Bytes(), 0640); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// RetrieveAll reads and removes every stored batch, oldest first. Corrupted
// files are removed and logged.
func (b *Buffer) RetrieveAll() ([][]models.MetricsSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	files, err := b.filesLocked()
	if err != nil {
		return nil, err
	}

	var batches [][]models.MetricsSnapshot
	for _, path := range files {
		batch, err := readBatch(path)
		if err != nil {
			b.logger.Warn("Removing unreadable buffer file",
				zap.String("file", path),
				zap.Error(err))
			os.Remove(path)
			continue
		}
		batches = append(batches, batch)
		os.Remove(path)
	}
	return batches, nil
}

// Count returns the number of stored batches.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, err := b.filesLocked()
	if err != nil {
		return 0
	}
	return len(files)
}

func readBatch(path string) ([]models.MetricsSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var batch []models.MetricsSnapshot
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// filesLocked lists batch files oldest first. Must be called with b.mu held.
func (b *Buffer) filesLocked() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			files = append(files, filepath.Join(b.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// sizeLocked returns the total size of stored batches. Must be called with
// b.mu held.
func (b *Buffer) sizeLocked() int64 {
	files, err := b.filesLocked()
	if err != nil {
		return 0
	}
	var total int64
	for _, path := range files {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	return total
}

// dropOldestLocked removes the oldest batch and reports whether one existed.
// Must be called with b.mu held.
func (b *Buffer) dropOldestLocked() bool {
	files, err := b.filesLocked()
	if err != nil || len(files) == 0 {
		return false
	}
	if err := os.Remove(files[0]); err != nil {
		b.logger.Warn("Failed to remove oldest buffer file",
			zap.String("file", files[0]),
			zap.Error(err))
		return false
	}
	return true
}
