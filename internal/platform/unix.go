//go:build !windows

// Linux and macOS Platform implementation.
// Desktop facts come from the usual X11 / macOS helper tools when they are
// installed; headless hosts simply report ErrUnsupported for those facts.
package platform

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// powerSupplyDir is the Linux sysfs battery class directory.
var powerSupplyDir = "/sys/class/power_supply"

// UnixPlatform implements Platform for Linux and macOS.
type UnixPlatform struct {
	goos string
}

// New creates the platform implementation for the running OS.
func New() Platform {
	return &UnixPlatform{goos: runtime.GOOS}
}

// Name returns the platform identifier.
func (p *UnixPlatform) Name() string { return p.goos }

// IdleSeconds uses xprintidle on Linux and the IOHIDSystem idle counter on macOS.
func (p *UnixPlatform) IdleSeconds(ctx context.Context) (int, error) {
	if p.goos == "darwin" {
		out, err := run(ctx, "ioreg", "-c", "IOHIDSystem")
		if err != nil {
			return 0, err
		}
		return parseIoregIdle(out)
	}
	out, err := run(ctx, "xprintidle")
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, err
	}
	return int(ms / 1000), nil
}

// ActiveWindow uses xdotool; there is no equivalent without extra
// permissions on macOS.
func (p *UnixPlatform) ActiveWindow(ctx context.Context) (Window, error) {
	if p.goos == "darwin" {
		return Window{}, ErrUnsupported
	}
	title, err := run(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		return Window{}, err
	}
	w := Window{Title: title}
	if pidOut, err := run(ctx, "xdotool", "getactivewindow", "getwindowpid"); err == nil {
		if pid, err := strconv.ParseInt(pidOut, 10, 32); err == nil {
			w.PID = int32(pid)
		}
	}
	return w, nil
}

// WindowTitles lists windows through wmctrl.
func (p *UnixPlatform) WindowTitles(ctx context.Context, pids []int32) (map[int32][]string, error) {
	if p.goos == "darwin" {
		return nil, ErrUnsupported
	}
	out, err := run(ctx, "wmctrl", "-lp")
	if err != nil {
		return nil, err
	}
	return filterTitles(parseWmctrl(out), pids), nil
}

// WifiSSID tries iwgetid, then nmcli on Linux, networksetup on macOS.
func (p *UnixPlatform) WifiSSID(ctx context.Context) (string, error) {
	if p.goos == "darwin" {
		out, err := run(ctx, "networksetup", "-getairportnetwork", "en0")
		if err != nil {
			return "", err
		}
		if _, name, ok := strings.Cut(out, ": "); ok && !strings.Contains(out, "not associated") {
			return strings.TrimSpace(name), nil
		}
		return "", nil
	}
	if out, err := run(ctx, "iwgetid", "-r"); err == nil && out != "" {
		return out, nil
	}
	out, err := run(ctx, "nmcli", "-t", "-f", "active,ssid", "dev", "wifi")
	if err != nil {
		return "", err
	}
	return parseNmcli(out), nil
}

// Battery reads sysfs on Linux and pmset on macOS.
func (p *UnixPlatform) Battery(ctx context.Context) (Battery, error) {
	if p.goos == "darwin" {
		out, err := run(ctx, "pmset", "-g", "batt")
		if err != nil {
			return Battery{}, err
		}
		return parsePmset(out), nil
	}
	return readSysfsBattery(powerSupplyDir)
}

// GPUUtilization queries nvidia-smi.
func (p *UnixPlatform) GPUUtilization(ctx context.Context) (*float64, error) {
	return nvidiaUtilization(ctx)
}

// readSysfsBattery reports the first BAT* supply under dir.
func readSysfsBattery(dir string) (Battery, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "BAT*"))
	if err != nil || len(matches) == 0 {
		return Battery{}, err
	}
	bat := matches[0]
	capacity, err := os.ReadFile(filepath.Join(bat, "capacity"))
	if err != nil {
		return Battery{}, err
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(capacity)))
	if err != nil {
		return Battery{}, err
	}
	status, _ := os.ReadFile(filepath.Join(bat, "status"))
	s := strings.ToLower(strings.TrimSpace(string(status)))
	return Battery{
		Present:  true,
		Level:    level,
		Charging: s == "charging" || s == "full",
	}, nil
}

// parseWmctrl parses `wmctrl -lp` lines: id desktop pid host title...
func parseWmctrl(out string) map[int32][]string {
	titles := make(map[int32][]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		title := strings.Join(fields[4:], " ")
		titles[int32(pid)] = append(titles[int32(pid)], title)
	}
	return titles
}

// parseNmcli returns the SSID from `nmcli -t -f active,ssid dev wifi` output.
func parseNmcli(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok {
			return ssid
		}
	}
	return ""
}

// parsePmset parses `pmset -g batt`, e.g. "-InternalBattery-0 (id=1)	85%; charging; ...".
func parsePmset(out string) Battery {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "InternalBattery") {
			continue
		}
		pct := strings.Index(line, "%")
		if pct < 0 {
			continue
		}
		start := pct
		for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
			start--
		}
		level, err := strconv.Atoi(line[start:pct])
		if err != nil {
			continue
		}
		rest := strings.ToLower(line[pct:])
		charging := strings.Contains(rest, "; charging") || strings.Contains(rest, "charged")
		return Battery{Present: true, Level: level, Charging: charging}
	}
	return Battery{}
}

// parseIoregIdle extracts HIDIdleTime (nanoseconds) from ioreg output.
func parseIoregIdle(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "HIDIdleTime") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, err
		}
		return int(ns / 1_000_000_000), nil
	}
	return 0, ErrUnsupported
}

func filterTitles(all map[int32][]string, pids []int32) map[int32][]string {
	out := make(map[int32][]string, len(pids))
	for _, pid := range pids {
		if titles, ok := all[pid]; ok {
			out[pid] = titles
		}
	}
	return out
}
