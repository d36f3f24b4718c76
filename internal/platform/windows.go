//go:build windows

// Windows-specific Platform implementation.
// Uses user32/kernel32 through x/sys/windows lazy DLLs and netsh for Wi-Fi.
package platform

import (
	"context"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetLastInputInfo         = user32.NewProc("GetLastInputInfo")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procGetWindowTextLengthW     = user32.NewProc("GetWindowTextLengthW")
	procGetWindowThreadProcessID = user32.NewProc("GetWindowThreadProcessId")
	procEnumWindows              = user32.NewProc("EnumWindows")
	procIsWindowVisible          = user32.NewProc("IsWindowVisible")
	procGetTickCount             = kernel32.NewProc("GetTickCount")
	procGetSystemPowerStatus     = kernel32.NewProc("GetSystemPowerStatus")
)

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

type systemPowerStatus struct {
	ACLineStatus        byte
	BatteryFlag         byte
	BatteryLifePercent  byte
	SystemStatusFlag    byte
	BatteryLifeTime     uint32
	BatteryFullLifeTime uint32
}

const (
	batteryFlagNoBattery = 128
	batteryFlagUnknown   = 255
	batteryFlagCharging  = 8
)

// WindowsPlatform implements Platform for Windows systems.
type WindowsPlatform struct{}

// New creates a new Windows platform instance.
func New() Platform {
	return &WindowsPlatform{}
}

// Name returns the platform identifier.
func (p *WindowsPlatform) Name() string { return "windows" }

// IdleSeconds compares GetLastInputInfo against the tick counter.
// In session 0 (service context) this reports the service session, not the
// interactive user, which is why the agent is normally run in the user session.
func (p *WindowsPlatform) IdleSeconds(ctx context.Context) (int, error) {
	info := lastInputInfo{cbSize: uint32(unsafe.Sizeof(lastInputInfo{}))}
	r, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if r == 0 {
		return 0, err
	}
	now, _, _ := procGetTickCount.Call()
	idleMs := uint32(now) - info.dwTime
	return int(idleMs / 1000), nil
}

// ActiveWindow returns the foreground window title and owning PID.
func (p *WindowsPlatform) ActiveWindow(ctx context.Context) (Window, error) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return Window{}, ErrUnsupported
	}
	return Window{Title: windowText(hwnd), PID: windowPID(hwnd)}, nil
}

// WindowTitles enumerates visible top-level windows owned by the given PIDs.
func (p *WindowsPlatform) WindowTitles(ctx context.Context, pids []int32) (map[int32][]string, error) {
	wanted := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		wanted[pid] = true
	}
	titles := make(map[int32][]string)
	cb := windows.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		if visible, _, _ := procIsWindowVisible.Call(hwnd); visible == 0 {
			return 1
		}
		pid := windowPID(hwnd)
		if !wanted[pid] {
			return 1
		}
		if title := windowText(hwnd); title != "" {
			titles[pid] = append(titles[pid], title)
		}
		return 1
	})
	procEnumWindows.Call(cb, 0)
	return titles, nil
}

// WifiSSID parses `netsh wlan show interfaces`.
func (p *WindowsPlatform) WifiSSID(ctx context.Context) (string, error) {
	out, err := run(ctx, "netsh", "wlan", "show", "interfaces")
	if err != nil {
		return "", err
	}
	return parseNetshSSID(out), nil
}

// Battery reads GetSystemPowerStatus.
func (p *WindowsPlatform) Battery(ctx context.Context) (Battery, error) {
	var status systemPowerStatus
	r, _, err := procGetSystemPowerStatus.Call(uintptr(unsafe.Pointer(&status)))
	if r == 0 {
		return Battery{}, err
	}
	if status.BatteryFlag&batteryFlagNoBattery != 0 || status.BatteryFlag == batteryFlagUnknown ||
		status.BatteryLifePercent > 100 {
		return Battery{}, nil
	}
	return Battery{
		Present:  true,
		Level:    int(status.BatteryLifePercent),
		Charging: status.BatteryFlag&batteryFlagCharging != 0 || status.ACLineStatus == 1,
	}, nil
}

// GPUUtilization attempts to read GPU load via nvidia-smi.
func (p *WindowsPlatform) GPUUtilization(ctx context.Context) (*float64, error) {
	return nvidiaUtilization(ctx)
}

func windowText(hwnd uintptr) string {
	n, _, _ := procGetWindowTextLengthW.Call(hwnd)
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return syscall.UTF16ToString(buf)
}

func windowPID(hwnd uintptr) int32 {
	var pid uint32
	procGetWindowThreadProcessID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	return int32(pid)
}

// parseNetshSSID returns the value of the "SSID" line (not "BSSID").
func parseNetshSSID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "SSID" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
