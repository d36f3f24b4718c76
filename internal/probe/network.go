package probe

import (
	"context"

	"github.com/shirou/gopsutil/v3/net"
)

// NetworkResult holds cumulative byte counters summed over all interfaces.
// Rates are derived by the agent from two consecutive runs.
type NetworkResult struct {
	BytesRecv uint64
	BytesSent uint64
}

// NetworkProbe reads the cumulative network I/O counters.
type NetworkProbe struct{}

// Name returns the probe identifier.
func (p *NetworkProbe) Name() string { return "network" }

// Collect returns the raw counters.
func (p *NetworkProbe) Collect(ctx context.Context) (interface{}, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(counters) == 0 {
		return NetworkResult{}, nil
	}
	return NetworkResult{
		BytesRecv: counters[0].BytesRecv,
		BytesSent: counters[0].BytesSent,
	}, nil
}
