// Package platform provides an OS abstraction layer for desktop facts that
// gopsutil cannot report: input idle time, the foreground window, browser
// window titles, the Wi-Fi network, battery state and GPU load.
// Each supported OS implements the Platform interface; any fact a platform
// cannot obtain is returned as its zero value with a non-nil error.
package platform

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUnsupported is returned when a fact is not available on this platform.
var ErrUnsupported = errors.New("platform: not supported")

// Window identifies a top-level window and its owning process.
type Window struct {
	Title string
	PID   int32
}

// Battery is the primary battery state. Present is false on machines without
// a battery, in which case Level and Charging are meaningless.
type Battery struct {
	Present  bool
	Level    int
	Charging bool
}

// Platform provides OS-specific functionality beyond what gopsutil offers.
type Platform interface {
	// Name returns the platform name (windows, linux, darwin).
	Name() string

	// IdleSeconds returns the time since the last user input.
	IdleSeconds(ctx context.Context) (int, error)

	// ActiveWindow returns the window that currently has input focus.
	ActiveWindow(ctx context.Context) (Window, error)

	// WindowTitles returns visible window titles grouped by owning PID,
	// restricted to the given PIDs.
	WindowTitles(ctx context.Context, pids []int32) (map[int32][]string, error)

	// WifiSSID returns the name of the connected wireless network.
	WifiSSID(ctx context.Context) (string, error)

	// Battery returns the primary battery state.
	Battery(ctx context.Context) (Battery, error)

	// GPUUtilization returns GPU load in percent. Returns nil if no
	// supported GPU tooling is present.
	GPUUtilization(ctx context.Context) (*float64, error)
}

// nvidiaUtilization queries nvidia-smi for the highest utilization across
// all GPUs. Shared by every platform; nvidia-smi ships on Windows and Linux.
func nvidiaUtilization(ctx context.Context) (*float64, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, nil // Not available
	}
	var max float64
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			continue
		}
		if !found || v > max {
			max = v
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return &max, nil
}

// run executes a helper command and returns its trimmed stdout.
func run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
