package probe

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the probes of one run and collects them concurrently.
type Registry struct {
	probes []Probe
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		probes: make([]Probe, 0),
		logger: logger,
	}
}

// Register adds a probe.
func (r *Registry) Register(p Probe) {
	r.probes = append(r.probes, p)
}

// CollectAll runs all probes concurrently and returns a map of probe name to
// result. Failed probes are logged and left out; their fields keep defaults.
func (r *Registry) CollectAll(ctx context.Context) map[string]interface{} {
	results := make(map[string]interface{})
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range r.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			data, err := p.Collect(ctx)
			if err != nil {
				r.logger.Debug("Probe failed",
					zap.String("probe", p.Name()),
					zap.Error(err))
				return
			}
			mu.Lock()
			results[p.Name()] = data
			mu.Unlock()
		}(p)
	}

	wg.Wait()
	return results
}

// Names returns the registered probe names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.probes))
	for i, p := range r.probes {
		names[i] = p.Name()
	}
	return names
}
