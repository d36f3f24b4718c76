package probe

import (
	"context"

	"github.com/a1tools/agent/internal/platform"
)

// DesktopResult holds user-session facts.
type DesktopResult struct {
	IdleSeconds int
	Window      platform.Window
}

// DesktopProbe reports input idle time and the foreground window.
type DesktopProbe struct {
	Platform platform.Platform
}

// Name returns the probe identifier.
func (p *DesktopProbe) Name() string { return "desktop" }

// Collect returns whatever the platform can tell; it only fails when
// neither fact is available.
func (p *DesktopProbe) Collect(ctx context.Context) (interface{}, error) {
	idle, idleErr := p.Platform.IdleSeconds(ctx)
	window, winErr := p.Platform.ActiveWindow(ctx)
	if idleErr != nil && winErr != nil {
		return nil, idleErr
	}
	return DesktopResult{IdleSeconds: idle, Window: window}, nil
}

// BatteryProbe reports the primary battery.
type BatteryProbe struct {
	Platform platform.Platform
}

// Name returns the probe identifier.
func (p *BatteryProbe) Name() string { return "battery" }

// Collect returns a platform.Battery.
func (p *BatteryProbe) Collect(ctx context.Context) (interface{}, error) {
	return p.Platform.Battery(ctx)
}

// GPUProbe reports GPU load.
type GPUProbe struct {
	Platform platform.Platform
}

// Name returns the probe identifier.
func (p *GPUProbe) Name() string { return "gpu" }

// Collect returns the utilization percentage, or an error when unknown.
func (p *GPUProbe) Collect(ctx context.Context) (interface{}, error) {
	v, err := p.Platform.GPUUtilization(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, platform.ErrUnsupported
	}
	return *v, nil
}
