package profile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/inference-sim/tier-router/router"
)

// Static always returns the same profile.
type Static router.DeviceProfile

// Snapshot implements router.Profiler.
func (s Static) Snapshot(context.Context) router.DeviceProfile {
	p := router.DeviceProfile(s)
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now()
	}
	return p
}

// ParseStatic parses a comma-separated override such as
// "battery=15,thermal=serious,network=offline,cpu=0.4,mem=8GiB,gpu=0".
// Omitted fields stay unknown.
func ParseStatic(spec string) (Static, error) {
	var p router.DeviceProfile
	if strings.TrimSpace(spec) == "" {
		return Static(p), nil
	}
	for _, part := range strings.Split(spec, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Static{}, fmt.Errorf("device override %q: expected key=value", part)
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "battery":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 100 {
				return Static{}, fmt.Errorf("device override battery=%q: want 0..100", val)
			}
			p.BatteryPct, p.BatteryKnown = f, true
		case "cpu":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 1 {
				return Static{}, fmt.Errorf("device override cpu=%q: want idle fraction 0..1", val)
			}
			p.CPUFree, p.CPUKnown = f, true
		case "mem":
			n, err := humanize.ParseBytes(val)
			if err != nil {
				return Static{}, fmt.Errorf("device override mem=%q: %w", val, err)
			}
			p.MemAvailableBytes, p.MemKnown = int64(n), true
		case "gpu":
			n, err := humanize.ParseBytes(val)
			if err != nil {
				return Static{}, fmt.Errorf("device override gpu=%q: %w", val, err)
			}
			p.GPUMemFreeBytes, p.GPUPresent, p.GPUKnown = int64(n), n > 0, true
		case "thermal":
			t, err := router.ParseThermalState(val)
			if err != nil {
				return Static{}, err
			}
			p.Thermal = t
		case "network":
			n, err := router.ParseNetworkClass(val)
			if err != nil {
				return Static{}, err
			}
			p.Network = n
		default:
			return Static{}, fmt.Errorf("device override: unknown key %q", key)
		}
	}
	return Static(p), nil
}
