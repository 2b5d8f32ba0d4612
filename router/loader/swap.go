package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
)

// RequestSwap replaces the resident instance key with the smaller mode
// target of the same model. A pinned instance is not interrupted: the swap
// is recorded and runs when the last handle is released. started reports
// whether the replacement load began now.
func (l *Loader) RequestSwap(key router.InstanceKey, target router.QuantMode) (started bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.table.get(key)
	if !ok {
		return false, fmt.Errorf("swap %s: not resident", key)
	}
	spec, ok := inst.desc.Mode(target)
	if !ok {
		return false, fmt.Errorf("swap %s to %s: %w", key, target, router.ErrUnknownMode)
	}
	if spec.FootprintBytes >= inst.footprint() {
		return false, fmt.Errorf("swap %s to %s: target is not smaller (%d >= %d bytes)",
			key, target, spec.FootprintBytes, inst.footprint())
	}
	if inst.swapping {
		return false, nil
	}
	if inst.pins > 0 {
		inst.pendingSwap = target
		logrus.Debugf("swap %s -> %s deferred: %d pins", key, target, inst.pins)
		return false, nil
	}
	return l.startSwapLocked(inst, target), nil
}

// startSwapLocked begins replacing an unpinned instance with mode target.
// The replacement is reserved inside the budget. When free space cannot
// hold it next to the old instance, unpinned instances are evicted for it;
// when even that falls short, the old instance leaves the table first and
// the model is briefly not resident. Otherwise the old instance stays
// resident but off the LRU list until commit. If target is already
// resident the old instance is simply dropped.
func (l *Loader) startSwapLocked(old *instance, target router.QuantMode) bool {
	spec, ok := old.desc.Mode(target)
	if !ok || spec.FootprintBytes >= old.footprint() {
		return false
	}
	newKey := router.InstanceKey{ModelID: old.key.ModelID, Mode: target}
	if _, resident := l.table.get(newKey); resident {
		l.table.remove(old)
		l.stats.swaps++
		l.emitLocked(router.Event{Kind: router.EventSwap, Key: newKey, SwapFrom: old.key.Mode, Bytes: spec.FootprintBytes})
		go l.backend.Unload(old.weights)
		return true
	}
	if _, busy := l.inflight[newKey]; busy {
		return false
	}

	old.swapping = true
	l.table.removeLRU(old)
	var victims []*instance
	dropFirst := false
	if need := spec.FootprintBytes - (l.max - l.table.used - l.reserved); need > 0 {
		if victims = l.table.evictFor(need); victims != nil {
			l.evictedLocked(victims)
		} else {
			l.table.remove(old)
			dropFirst = true
		}
	}
	call := l.reserveLocked(context.Background(), old.desc, spec, callSwap)
	call.swapFrom = old
	call.dropFirst = dropFirst
	go func() {
		l.unloadAll(victims)
		if dropFirst {
			l.backend.Unload(old.weights)
		}
		l.runLoad(call)
	}()
	logrus.Debugf("swapping %s -> %s (evicted %d, old dropped first: %v)", old.key, newKey, len(victims), dropFirst)
	return true
}

// commitSwapLocked installs the replacement if the old instance is still
// resident and unpinned. It returns the instances whose weights the caller
// must unload.
func (l *Loader) commitSwapLocked(call *loadCall, weights any, elapsed time.Duration) []*instance {
	old := call.swapFrom
	old.swapping = false
	if call.dropFirst {
		return l.commitDroppedSwapLocked(call, weights, elapsed)
	}
	if l.table.byKey[old.key] != old || old.pins > 0 {
		if l.table.byKey[old.key] == old {
			old.pendingSwap = call.key.Mode
		}
		logrus.Debugf("swap %s -> %s aborted", old.key, call.key)
		return []*instance{{key: call.key, weights: weights}}
	}

	l.table.remove(old)
	inst := &instance{
		key:      call.key,
		desc:     call.desc,
		spec:     call.spec,
		weights:  weights,
		lastUsed: old.lastUsed,
		loadedAt: l.now(),
	}
	l.table.insert(inst)
	call.inst = inst
	l.stats.swaps++
	l.emitLocked(router.Event{
		Kind:     router.EventSwap,
		Key:      call.key,
		SwapFrom: old.key.Mode,
		Bytes:    inst.footprint(),
		Latency:  elapsed,
	})
	logrus.Infof("swapped %s -> %s, freed %d bytes", old.key, call.key, old.footprint()-inst.footprint())
	return []*instance{old}
}

// commitDroppedSwapLocked installs a replacement whose old instance was
// already removed and unloaded.
func (l *Loader) commitDroppedSwapLocked(call *loadCall, weights any, elapsed time.Duration) []*instance {
	old := call.swapFrom
	if _, resident := l.table.get(call.key); resident {
		return []*instance{{key: call.key, weights: weights}}
	}
	inst := &instance{
		key:      call.key,
		desc:     call.desc,
		spec:     call.spec,
		weights:  weights,
		lastUsed: old.lastUsed,
		loadedAt: l.now(),
	}
	l.table.insert(inst)
	call.inst = inst
	l.stats.swaps++
	l.emitLocked(router.Event{
		Kind:     router.EventSwap,
		Key:      call.key,
		SwapFrom: old.key.Mode,
		Bytes:    inst.footprint(),
		Latency:  elapsed,
	})
	logrus.Infof("swapped %s -> %s after dropping it, freed %d bytes", old.key, call.key, old.footprint()-inst.footprint())
	return nil
}

// abortSwapLocked returns a swap's old instance to normal service.
func (l *Loader) abortSwapLocked(old *instance) {
	if old == nil {
		return
	}
	old.swapping = false
	if l.table.byKey[old.key] == old && old.pins == 0 {
		l.table.appendLRU(old)
	}
}

// CheckPressure runs one pressure check. Once utilization has stayed at
// or above the threshold for the configured number of consecutive checks,
// the least recently used unpinned instance with a smaller mode is
// swapped; if every such instance is pinned, the oldest gets a deferred
// swap. Reports whether a swap was started or scheduled.
func (l *Loader) CheckPressure() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max <= 0 || float64(l.table.used)/float64(l.max) < l.mem.PressureThreshold {
		l.pressureTicks = 0
		return false
	}
	l.pressureTicks++
	if l.pressureTicks < l.mem.PressureSustain {
		return false
	}
	l.pressureTicks = 0

	for _, inst := range l.table.lru() {
		smaller := inst.desc.SmallerModes(inst.key.Mode)
		if len(smaller) == 0 {
			continue
		}
		if l.startSwapLocked(inst, smaller[0].Mode) {
			return true
		}
	}

	var oldest *instance
	for _, inst := range l.table.byKey {
		if inst.pins == 0 || inst.swapping || inst.pendingSwap != "" {
			continue
		}
		if len(inst.desc.SmallerModes(inst.key.Mode)) == 0 {
			continue
		}
		if oldest == nil || inst.lastUsed.Before(oldest.lastUsed) {
			oldest = inst
		}
	}
	if oldest == nil {
		return false
	}
	oldest.pendingSwap = oldest.desc.SmallerModes(oldest.key.Mode)[0].Mode
	logrus.Debugf("memory pressure: swap of pinned %s -> %s deferred", oldest.key, oldest.pendingSwap)
	return true
}

// Run checks memory pressure every PressureInterval until ctx is done.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.mem.PressureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckPressure()
		}
	}
}
