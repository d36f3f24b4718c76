package query

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func shellScript(t *testing.T, body string) Script {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based query tests need /bin/sh")
	}
	return Script{Name: "test", Version: SchemaVersion, Path: "/bin/sh", Args: []string{"-c", body}}
}

func TestRun_DecodesDocument(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	script := shellScript(t, `echo 'noise'; echo '{"cpu_percent": 12.5, "memory_percent": "40", "battery_level": null, "net_bytes_recv": 2048}'`)

	doc, err := e.Run(context.Background(), script, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Populated() {
		t.Fatal("document should be populated")
	}
	if doc.CPUPercent != 12.5 {
		t.Errorf("CPUPercent = %v, want 12.5", doc.CPUPercent)
	}
	if doc.MemoryPercent != 40 {
		t.Errorf("MemoryPercent = %v, want 40 from quoted number", doc.MemoryPercent)
	}
	if doc.BatteryLevel != nil {
		t.Errorf("BatteryLevel = %v, want nil", *doc.BatteryLevel)
	}
	if doc.ConnectionType != DefaultConnectionType {
		t.Errorf("ConnectionType = %q, want default", doc.ConnectionType)
	}
	if doc.TopProcesses == nil || doc.Browsers == nil {
		t.Error("list fields should default to empty, not nil")
	}
}

func TestRun_FailuresYieldEmptyDocument(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"non-zero exit", `echo '{"cpu_percent": 50}'; exit 3`},
		{"garbage output", `echo 'not json at all'`},
		{"truncated json", `echo '{"cpu_percent": 5'`},
		{"empty output", `true`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(zaptest.NewLogger(t))
			doc, err := e.Run(context.Background(), shellScript(t, tt.body), 5*time.Second)
			if err != nil {
				t.Fatalf("Run returned error %v, want nil", err)
			}
			if doc.Populated() {
				t.Error("document should not be populated")
			}
			if doc.CPUPercent != 0 || doc.NetworkStatus != DefaultNetworkStatus {
				t.Errorf("expected defaults, got %+v", doc)
			}
		})
	}
}

func TestRun_MissingBinary(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	doc, err := e.Run(context.Background(), Script{Name: "missing", Path: "/nonexistent/probe"}, time.Second)
	if err != nil {
		t.Fatalf("Run returned error %v, want nil", err)
	}
	if doc.Populated() {
		t.Error("document should not be populated")
	}
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	pidFile := filepath.Join(t.TempDir(), "bg.pid")
	script := shellScript(t, `sleep 30 & echo $! > `+pidFile+`; sleep 30; echo '{"cpu_percent": 1}'`)

	start := time.Now()
	doc, err := e.Run(context.Background(), script, 500*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatal(err)
	}
	if doc.Populated() {
		t.Error("timed out run should yield empty document")
	}
	if elapsed > 5*time.Second {
		t.Errorf("Run took %v, timeout was not enforced", elapsed)
	}
	if e.Busy() {
		t.Error("executor should be idle after Run returns")
	}
	assertExited(t, readPID(t, pidFile))
}

func TestRun_CleanExitKillsLeftovers(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		// the leftover inherits stdout and would hold the pipe open
		{"holding stdout", `sleep 30 & echo $! > %s; echo '{"cpu_percent": 7}'`},
		{"detached output", `sleep 30 >/dev/null 2>&1 & echo $! > %s; echo '{"cpu_percent": 7}'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(zaptest.NewLogger(t))
			pidFile := filepath.Join(t.TempDir(), "bg.pid")
			script := shellScript(t, fmt.Sprintf(tt.body, pidFile))

			start := time.Now()
			doc, err := e.Run(context.Background(), script, 10*time.Second)
			elapsed := time.Since(start)
			if err != nil {
				t.Fatal(err)
			}
			if !doc.Populated() || doc.CPUPercent != 7 {
				t.Errorf("doc = %+v, want populated with cpu 7", doc)
			}
			if elapsed > drainDelay {
				t.Errorf("Run took %v, leftover process held it up", elapsed)
			}
			assertExited(t, readPID(t, pidFile))
		})
	}
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid %q: %v", data, err)
	}
	return pid
}

func TestRun_ContextCancel(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	doc, err := e.Run(ctx, shellScript(t, `sleep 30`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Populated() {
		t.Error("cancelled run should yield empty document")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not stop the query")
	}
}

func TestRun_SecondCallIsBusy(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	slow := shellScript(t, `sleep 1; echo '{}'`)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Run(context.Background(), slow, 5*time.Second)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !e.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	_, err := e.Run(context.Background(), Script{Name: "never", Path: "/nonexistent"}, time.Second)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("busy call should return immediately")
	}
	wg.Wait()
}
