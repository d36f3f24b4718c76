package probe

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// cpuSampleWindow is how long the overall CPU measurement blocks.
const cpuSampleWindow = 500 * time.Millisecond

// CPUProbe measures overall CPU utilization.
type CPUProbe struct{}

// Name returns the probe identifier.
func (p *CPUProbe) Name() string { return "cpu" }

// Collect blocks for cpuSampleWindow and returns the overall busy percentage.
func (p *CPUProbe) Collect(ctx context.Context) (interface{}, error) {
	overall, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return nil, err
	}
	if len(overall) == 0 {
		return 0.0, nil
	}
	return overall[0], nil
}
