// Package query runs the single external process that reports every dynamic
// host fact for one collection cycle, and decodes its output into a Document.
package query

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrBusy is returned when a query is already in flight on the Executor.
// Callers fall back to defaults instead of waiting.
var ErrBusy = errors.New("query: another query is in progress")

const (
	// maxOutputBytes caps captured stdout and stderr per run.
	maxOutputBytes = 4 << 20

	// drainDelay bounds how long output is read after the process group is
	// gone, for descendants that escaped the group and still hold a pipe.
	drainDelay = 2 * time.Second
)

// Script describes the external command run for each query. The command must
// write one Document-shaped JSON object to stdout and exit 0.
type Script struct {
	Name    string
	Version int
	Path    string
	Args    []string
	Stdin   []byte
	Env     []string
}

// Executor runs Scripts one at a time.
type Executor struct {
	logger   *zap.Logger
	inFlight atomic.Bool
}

// NewExecutor creates an Executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger.Named("query")}
}

// Busy reports whether a query is currently running.
func (e *Executor) Busy() bool { return e.inFlight.Load() }

// Run spawns the script and waits at most timeout for it to finish. The only
// error returned is ErrBusy; every other failure (spawn error, non-zero exit,
// timeout, cancellation, unparsable output) yields an empty Document. When Run
// returns, the spawned process and its process group have terminated, whether
// the script exited on its own or was killed.
func (e *Executor) Run(ctx context.Context, script Script, timeout time.Duration) (Document, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Empty(), ErrBusy
	}
	defer e.inFlight.Store(false)

	logger := e.logger.With(zap.String("script", script.Name), zap.Int("version", script.Version))

	stdout, err := newCapture(maxOutputBytes)
	if err != nil {
		logger.Warn("Failed to create stdout pipe", zap.Error(err))
		return Empty(), nil
	}
	stderr, err := newCapture(maxOutputBytes)
	if err != nil {
		stdout.abort()
		logger.Warn("Failed to create stderr pipe", zap.Error(err))
		return Empty(), nil
	}

	cmd := exec.Command(script.Path, script.Args...)
	if len(script.Env) > 0 {
		cmd.Env = append(cmd.Environ(), script.Env...)
	}
	if len(script.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(script.Stdin)
	}
	cmd.Stdout = stdout.w
	cmd.Stderr = stderr.w
	isolate(cmd)

	started := time.Now()
	err = cmd.Start()
	stdout.closeWriter()
	stderr.closeWriter()
	if err != nil {
		stdout.abort()
		stderr.abort()
		logger.Warn("Failed to start query process", zap.Error(err))
		return Empty(), nil
	}
	group := attach(cmd, logger)
	defer group.kill()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		logger.Warn("Query timed out, killing process group",
			zap.Int("pid", cmd.Process.Pid),
			zap.Duration("timeout", timeout))
		group.kill()
		<-done
		stdout.wait(drainDelay)
		stderr.wait(drainDelay)
		return Empty(), nil
	case <-ctx.Done():
		logger.Info("Query cancelled, killing process group", zap.Int("pid", cmd.Process.Pid))
		group.kill()
		<-done
		stdout.wait(drainDelay)
		stderr.wait(drainDelay)
		return Empty(), nil
	}

	// The script has exited. Anything it left running in its group goes now,
	// which also releases the pipes those leftovers were holding.
	group.kill()
	out := stdout.wait(drainDelay)
	errOut := stderr.wait(drainDelay)

	if waitErr != nil {
		logger.Warn("Query process failed",
			zap.Error(waitErr),
			zap.ByteString("stderr", errOut))
		return Empty(), nil
	}

	doc, err := Decode(out)
	if err != nil {
		logger.Warn("Query output not parsable", zap.Error(err))
		return Empty(), nil
	}
	logger.Debug("Query completed", zap.Duration("took", time.Since(started)))
	return doc, nil
}

// capture reads one output stream of the child through an OS pipe. The child
// gets the write end directly, so Wait returns as soon as the child exits
// instead of waiting on descendants that inherited the pipe.
type capture struct {
	r, w *os.File
	buf  cappedBuffer
	done chan struct{}
}

func newCapture(limit int) (*capture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c := &capture{r: r, w: w, buf: cappedBuffer{limit: limit}, done: make(chan struct{})}
	go func() {
		io.Copy(&c.buf, r)
		close(c.done)
	}()
	return c, nil
}

// closeWriter drops the parent's copy of the write end.
func (c *capture) closeWriter() { c.w.Close() }

// wait returns everything read so far, once the stream hits EOF or after d.
func (c *capture) wait(d time.Duration) []byte {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
	}
	c.r.Close()
	return c.buf.Bytes()
}

func (c *capture) abort() {
	c.w.Close()
	c.r.Close()
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so a chatty child never blocks.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
