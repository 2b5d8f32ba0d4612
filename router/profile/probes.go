package profile

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/inference-sim/tier-router/router"
)

func probeMemory(ctx context.Context) (int64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, false
	}
	return int64(vm.Available), true
}

// probeCPU reports the idle fraction since the previous call (or since
// boot on the first call).
func probeCPU(ctx context.Context) (float64, bool) {
	busy, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(busy) == 0 {
		return 0, false
	}
	free := 1 - busy[0]/100
	if free < 0 {
		free = 0
	}
	return free, true
}

// probeNvidia queries free memory across NVIDIA GPUs. A missing binary
// means no GPU; any other failure means unknown.
func probeNvidia(ctx context.Context) (int64, bool, bool) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, false, true
		}
		return 0, false, false
	}
	return parseNvidiaFree(string(out))
}

// parseNvidiaFree sums per-GPU free memory reported in MiB, one per line.
func parseNvidiaFree(out string) (int64, bool, bool) {
	var total int64
	gpus := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, false, false
		}
		total += int64(mib * humanize.MiByte)
		gpus++
	}
	return total, gpus > 0, true
}

// probeBattery reads the capacity of the first battery under root
// (normally /sys/class/power_supply).
func probeBattery(root string) (float64, bool) {
	if root == "" {
		return 0, false
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			continue
		}
		return pct, true
	}
	return 0, false
}

func probeThermal(ctx context.Context) router.ThermalState {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		return router.ThermalUnknown
	}
	state := router.ThermalUnknown
	for _, t := range temps {
		if s := thermalState(t); s > state {
			state = s
		}
	}
	return state
}

// thermalState grades one sensor, preferring its own trip points.
func thermalState(t sensors.TemperatureStat) router.ThermalState {
	if t.Temperature <= 0 {
		return router.ThermalUnknown
	}
	switch {
	case t.Critical > 0 && t.Temperature >= t.Critical:
		return router.ThermalCritical
	case t.High > 0 && t.Temperature >= t.High:
		return router.ThermalSerious
	case t.Temperature >= 95:
		return router.ThermalCritical
	case t.Temperature >= 85:
		return router.ThermalSerious
	case t.Temperature >= 70:
		return router.ThermalFair
	default:
		return router.ThermalNominal
	}
}
