package probe

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
)

const bytesPerGB = 1 << 30

// DiskResult holds usage of the system volume.
type DiskResult struct {
	Percent float64
	FreeGB  float64
	TotalGB float64
}

// DiskProbe reports usage of the volume the OS is installed on.
type DiskProbe struct {
	// Mount overrides the system volume; empty means auto-detect.
	Mount string
}

// Name returns the probe identifier.
func (p *DiskProbe) Name() string { return "disk" }

// Collect gathers usage for the system volume.
func (p *DiskProbe) Collect(ctx context.Context) (interface{}, error) {
	mount := p.Mount
	if mount == "" {
		mount = systemMount()
	}
	usage, err := disk.UsageWithContext(ctx, mount)
	if err != nil {
		return nil, err
	}
	return DiskResult{
		Percent: usage.UsedPercent,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
	}, nil
}

// systemMount returns "/" on unix and the system drive root on Windows.
func systemMount() string {
	if runtime.GOOS != "windows" {
		return "/"
	}
	drive := os.Getenv("SystemDrive")
	if drive == "" {
		drive = "C:"
	}
	return drive + `\`
}
