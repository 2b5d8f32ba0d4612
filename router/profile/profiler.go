// Package profile captures DeviceProfile snapshots of the host: free CPU
// and memory, GPU memory, battery, thermal state and network class.
// Snapshots are cached for a short TTL and never fail; a sensor that
// cannot be read reports unknown.
package profile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/inference-sim/tier-router/router"
)

// Probes are the individual sensor readers. Each returns ok=false when the
// sensor is unavailable. Tests replace them.
type Probes struct {
	Memory  func(ctx context.Context) (availableBytes int64, ok bool)
	CPU     func(ctx context.Context) (freeFraction float64, ok bool)
	GPU     func(ctx context.Context) (freeBytes int64, present bool, ok bool)
	Battery func(ctx context.Context) (pct float64, ok bool)
	Thermal func(ctx context.Context) router.ThermalState
}

// Profiler implements router.Profiler with a TTL cache.
type Profiler struct {
	cfg    router.ProfilerConfig
	probes Probes
	now    func() time.Time

	refresh singleflight.Group

	mu     sync.RWMutex
	cached router.DeviceProfile
	valid  bool
}

// New returns a Profiler using the host probes described by cfg.
func New(cfg router.ProfilerConfig) *Profiler {
	probes := Probes{
		Memory:  probeMemory,
		CPU:     probeCPU,
		Battery: func(ctx context.Context) (float64, bool) { return probeBattery(cfg.PowerSupplyPath) },
		Thermal: probeThermal,
	}
	if cfg.GPUProbe {
		probes.GPU = probeNvidia
	}
	return NewWithProbes(cfg, probes)
}

// NewWithProbes returns a Profiler with explicit probes. Nil probes report
// unknown.
func NewWithProbes(cfg router.ProfilerConfig, probes Probes) *Profiler {
	return &Profiler{cfg: cfg, probes: probes, now: time.Now}
}

// Snapshot returns the cached profile if it is younger than the TTL,
// otherwise probes the host. Concurrent callers that miss the cache share
// one refresh.
func (p *Profiler) Snapshot(ctx context.Context) router.DeviceProfile {
	p.mu.RLock()
	if p.valid && p.now().Sub(p.cached.CapturedAt) < p.cfg.TTL {
		cached := p.cached
		p.mu.RUnlock()
		return cached
	}
	p.mu.RUnlock()

	v, _, _ := p.refresh.Do("snapshot", func() (any, error) {
		prof := p.probe(ctx)
		p.mu.Lock()
		p.cached, p.valid = prof, true
		p.mu.Unlock()
		return prof, nil
	})
	return v.(router.DeviceProfile)
}

// Invalidate drops the cached snapshot.
func (p *Profiler) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

func (p *Profiler) probe(ctx context.Context) router.DeviceProfile {
	if p.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
	}

	prof := router.DeviceProfile{Network: p.cfg.Network, CapturedAt: p.now()}
	if p.probes.Memory != nil {
		prof.MemAvailableBytes, prof.MemKnown = p.probes.Memory(ctx)
	}
	if p.probes.CPU != nil {
		prof.CPUFree, prof.CPUKnown = p.probes.CPU(ctx)
	}
	if p.probes.GPU != nil {
		prof.GPUMemFreeBytes, prof.GPUPresent, prof.GPUKnown = p.probes.GPU(ctx)
	}
	if p.probes.Battery != nil {
		prof.BatteryPct, prof.BatteryKnown = p.probes.Battery(ctx)
	}
	if p.probes.Thermal != nil {
		prof.Thermal = p.probes.Thermal(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"mem_available": prof.MemAvailableBytes,
		"cpu_free":      prof.CPUFree,
		"gpu_present":   prof.GPUPresent,
		"battery":       prof.BatteryPct,
		"thermal":       prof.Thermal.String(),
		"network":       prof.Network.String(),
	}).Debug("device profile refreshed")
	return prof
}
