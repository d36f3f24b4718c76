package probe

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe reports RAM utilization.
type MemoryProbe struct{}

// Name returns the probe identifier.
func (p *MemoryProbe) Name() string { return "memory" }

// Collect returns used memory as a percentage of total.
func (p *MemoryProbe) Collect(ctx context.Context) (interface{}, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return v.UsedPercent, nil
}
