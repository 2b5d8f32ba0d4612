// Package loader keeps model weights resident inside a fixed memory
// budget. Instances are pinned while in use, evicted least recently used
// first once unpinned, loaded at most once per (model, mode) at a time,
// preloaded opportunistically, and swapped to smaller quantizations under
// sustained memory pressure.
//
// All accounting (used bytes, reservations, the residency table and the
// LRU list) is mutated under a single mutex. Backend I/O runs outside it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/inference-sim/tier-router/router"
)

// Catalog is the registry surface the loader needs.
type Catalog interface {
	Lookup(id string) (router.ModelDescriptor, error)
	Cooldown(id string, d time.Duration)
	InCooldown(id string) bool
}

// callKind says who started an in-flight load.
type callKind int

const (
	callAcquire callKind = iota
	callPreload
	callSwap
)

// loadCall is one physical load shared by every caller that asked for the
// same key while it was in flight.
type loadCall struct {
	key          router.InstanceKey
	desc         router.ModelDescriptor
	spec         router.QuantSpec
	kind         callKind
	swapFrom     *instance // callSwap only
	waiters      int       // callers still waiting; each receives one pin on success
	participants int       // callers that ever joined
	abandoned    bool      // every waiter left and the load was cancelled
	preempted    bool      // callPreload only: an acquire took back the reservation
	dropFirst    bool      // callSwap only: the old instance left the table before the load
	finished     bool
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	inst         *instance
	err          error
}

type counters struct {
	hits, misses, coalesced, loads, evictions, swaps, preloads, failures uint64
}

// Loader is the progressive, quantization-aware model loader.
type Loader struct {
	mem     router.MemoryConfig
	catalog Catalog
	backend Backend
	sink    router.EventSink
	now     func() time.Time

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu            sync.Mutex
	max           int64
	table         *table
	reserved      int64
	inflight      map[router.InstanceKey]*loadCall
	capacity      chan struct{} // closed and replaced whenever bytes may have been freed
	stats         counters
	pressureTicks int
}

// Option configures a Loader.
type Option func(*Loader)

// WithSink sets the telemetry sink. Emit is called with the loader mutex
// held and must not call back into the loader.
func WithSink(sink router.EventSink) Option {
	return func(l *Loader) { l.sink = sink }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// New builds a Loader for the memory and preload settings in cfg.
func New(cfg *router.Config, catalog Catalog, backend Backend, opts ...Option) *Loader {
	burst := cfg.Preload.Burst
	if burst < 1 {
		burst = 1
	}
	concurrency := cfg.Preload.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Loader{
		mem:      cfg.Memory,
		catalog:  catalog,
		backend:  backend,
		sink:     router.NopSink{},
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Preload.RatePerSecond), burst),
		sem:      semaphore.NewWeighted(concurrency),
		max:      int64(cfg.Memory.MaxBytes),
		table:    newTable(),
		inflight: make(map[router.InstanceKey]*loadCall),
		capacity: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Budget returns the current memory budget.
func (l *Loader) Budget() router.MemoryBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return router.MemoryBudget{MaxBytes: l.max, UsedBytes: l.table.used}
}

// IsResident reports whether key is committed in the residency table.
func (l *Loader) IsResident(key router.InstanceKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.table.get(key)
	return ok
}

// AcquireFor pins the smallest-footprint mode of desc meeting minAccuracy,
// or the most accurate mode if none does.
func (l *Loader) AcquireFor(ctx context.Context, desc router.ModelDescriptor, minAccuracy router.AccuracyClass) (*Handle, error) {
	if len(desc.Modes) == 0 {
		return nil, fmt.Errorf("acquire %s: %w", desc.ID, router.ErrUnknownMode)
	}
	spec, ok := desc.SmallestModeMeeting(minAccuracy)
	if !ok {
		spec = desc.MostAccurateMode()
	}
	return l.Acquire(ctx, router.InstanceKey{ModelID: desc.ID, Mode: spec.Mode})
}

// Acquire returns a pinned handle for key, loading it if necessary.
//
// A resident key is pinned immediately. Concurrent misses on the same key
// share one physical load. A miss that does not fit first cancels
// in-flight preloads nobody waits on, then evicts unpinned instances,
// least recently used first, but only when that frees enough room;
// otherwise it waits for capacity until the deadline. Without a deadline
// on ctx, the configured acquire timeout applies.
//
// Errors: ResourceExhausted on deadline or a footprint above the whole
// budget, LoadError when the backend fails, ConcurrentLoadFailure (wrapping
// the LoadError) when the failed load was shared.
func (l *Loader) Acquire(ctx context.Context, key router.InstanceKey) (*Handle, error) {
	desc, err := l.catalog.Lookup(key.ModelID)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	spec, ok := desc.Mode(key.Mode)
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", key, router.ErrUnknownMode)
	}
	if spec.FootprintBytes > l.max {
		return nil, router.ResourceExhausted(key,
			fmt.Sprintf("footprint %d exceeds budget %d", spec.FootprintBytes, l.max), nil)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.mem.AcquireTimeout)
		defer cancel()
	}

	l.mu.Lock()
	for {
		if inst, ok := l.table.get(key); ok {
			l.pinLocked(inst)
			l.stats.hits++
			l.emitLocked(router.Event{Kind: router.EventCacheHit, Key: key, Bytes: inst.footprint()})
			l.mu.Unlock()
			return newHandle(l, inst), nil
		}

		if call, ok := l.inflight[key]; ok {
			if call.abandoned || call.kind == callSwap {
				// Let it settle, then look again.
				done := call.done
				l.mu.Unlock()
				if err := waitFor(ctx, done); err != nil {
					return nil, router.ResourceExhausted(key, "deadline exceeded waiting for in-flight load", err)
				}
				l.mu.Lock()
				continue
			}
			call.waiters++
			call.participants++
			l.stats.coalesced++
			l.mu.Unlock()
			return l.wait(ctx, call)
		}

		free := l.max - l.table.used - l.reserved
		var victims []*instance
		if need := spec.FootprintBytes - free; need > 0 {
			if short := need - l.table.evictable; short > 0 {
				need -= l.preemptPreloadsLocked(short)
			}
			if need > 0 {
				victims = l.table.evictFor(need)
				if victims == nil {
					capacity := l.capacity
					evictable := l.table.evictable
					l.mu.Unlock()
					if err := waitFor(ctx, capacity); err != nil {
						return nil, router.ResourceExhausted(key,
							fmt.Sprintf("need %d bytes, %d free and %d evictable", spec.FootprintBytes, free, evictable), err)
					}
					l.mu.Lock()
					continue
				}
				l.evictedLocked(victims)
			}
		}

		call := l.reserveLocked(ctx, desc, spec, callAcquire)
		call.waiters, call.participants = 1, 1
		l.stats.misses++
		l.mu.Unlock()
		l.unloadAll(victims)
		go l.runLoad(call)
		return l.wait(ctx, call)
	}
}

// reserveLocked reserves the footprint and registers the in-flight call.
// The caller starts runLoad once the mutex is released.
func (l *Loader) reserveLocked(ctx context.Context, desc router.ModelDescriptor, spec router.QuantSpec, kind callKind) *loadCall {
	key := router.InstanceKey{ModelID: desc.ID, Mode: spec.Mode}
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call := &loadCall{
		key:    key,
		desc:   desc,
		spec:   spec,
		kind:   kind,
		ctx:    loadCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.reserved += spec.FootprintBytes
	l.inflight[key] = call
	return call
}

// preemptPreloadsLocked cancels in-flight preloads that no caller waits on,
// largest first, until their reservations cover short bytes, and returns
// the bytes given back. It cancels nothing when all of them together
// cannot cover short.
func (l *Loader) preemptPreloadsLocked(short int64) int64 {
	var calls []*loadCall
	var total int64
	for _, c := range l.inflight {
		if c.kind == callPreload && c.waiters == 0 {
			calls = append(calls, c)
			total += c.spec.FootprintBytes
		}
	}
	if total < short {
		return 0
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].spec.FootprintBytes != calls[j].spec.FootprintBytes {
			return calls[i].spec.FootprintBytes > calls[j].spec.FootprintBytes
		}
		return calls[i].key.String() < calls[j].key.String()
	})
	var freed int64
	for _, c := range calls {
		if freed >= short {
			break
		}
		c.preempted = true
		c.cancel()
		delete(l.inflight, c.key)
		l.reserved -= c.spec.FootprintBytes
		freed += c.spec.FootprintBytes
		logrus.Debugf("preload of %s cancelled to make room (%d bytes)", c.key, c.spec.FootprintBytes)
	}
	return freed
}

// wait blocks until call completes or ctx ends. A waiter that leaves early
// gives up its pin; the last one to leave cancels a load nobody else wants.
func (l *Loader) wait(ctx context.Context, call *loadCall) (*Handle, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return newHandle(l, call.inst), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if call.finished {
		// Lost the race with commit; the outcome already counts us.
		if call.err != nil {
			return nil, call.err
		}
		return newHandle(l, call.inst), nil
	}
	call.waiters--
	if call.waiters == 0 && call.kind == callAcquire {
		call.abandoned = true
		call.cancel()
	}
	return nil, router.ResourceExhausted(call.key, "deadline exceeded during load", ctx.Err())
}

// runLoad performs the backend load and commits or fails the call.
func (l *Loader) runLoad(call *loadCall) {
	defer call.cancel()
	start := l.now()
	weights, loadErr := l.backend.Load(call.ctx, call.desc, call.spec)
	elapsed := l.now().Sub(start)

	var discard []*instance
	l.mu.Lock()
	if l.inflight[call.key] == call {
		delete(l.inflight, call.key)
	}
	if !call.preempted {
		l.reserved -= call.spec.FootprintBytes
	}
	call.finished = true

	switch {
	case call.preempted:
		call.err = router.ResourceExhausted(call.key, "preload cancelled for a synchronous acquire", context.Canceled)
	case loadErr != nil:
		l.failLocked(call, loadErr)
	case call.kind == callSwap:
		discard = l.commitSwapLocked(call, weights, elapsed)
	default:
		l.commitLocked(call, weights, elapsed)
	}
	l.signalLocked()
	close(call.done)
	l.mu.Unlock()

	if call.err != nil && weights != nil {
		l.backend.Unload(weights)
	}
	l.unloadAll(discard)
}

func (l *Loader) commitLocked(call *loadCall, weights any, elapsed time.Duration) *instance {
	now := l.now()
	inst := &instance{
		key:       call.key,
		desc:      call.desc,
		spec:      call.spec,
		weights:   weights,
		pins:      call.waiters,
		lastUsed:  now,
		loadedAt:  now,
		preloaded: call.kind == callPreload && call.waiters == 0,
	}
	l.table.insert(inst)
	call.inst = inst

	kind := router.EventLoad
	if inst.preloaded {
		kind = router.EventPreload
		l.stats.preloads++
	} else {
		l.stats.loads++
	}
	l.emitLocked(router.Event{Kind: kind, Key: call.key, Bytes: inst.footprint(), Latency: elapsed})
	logrus.Debugf("loaded %s (%d bytes, %d pins) in %v", call.key, inst.footprint(), inst.pins, elapsed)
	return inst
}

// failLocked records a failed load. Cancelled loads are not the model's
// fault and do not start a cooldown.
func (l *Loader) failLocked(call *loadCall, loadErr error) {
	if call.ctx.Err() != nil && errors.Is(loadErr, call.ctx.Err()) {
		call.err = router.ResourceExhausted(call.key, "load cancelled", loadErr)
		if call.kind == callSwap {
			l.abortSwapLocked(call.swapFrom)
		}
		return
	}
	l.stats.failures++
	l.catalog.Cooldown(call.key.ModelID, l.mem.CooldownDuration)
	err := router.LoadFailure(call.key, loadErr)
	if call.participants > 1 {
		call.err = router.ConcurrentLoadFailure(call.key, call.participants, err)
	} else {
		call.err = err
	}
	if call.kind == callSwap {
		l.abortSwapLocked(call.swapFrom)
	}
	l.emitLocked(router.Event{Kind: router.EventLoadFailed, Key: call.key, Err: call.err})
	logrus.Warnf("load of %s failed, %s cooling down for %v: %v",
		call.key, call.key.ModelID, l.mem.CooldownDuration, loadErr)
}

func (l *Loader) pinLocked(inst *instance) {
	if inst.pins == 0 {
		l.table.removeLRU(inst)
	}
	inst.pins++
	inst.preloaded = false
	inst.lastUsed = l.now()
}

// unpinLocked drops one pin; the last one makes the instance evictable and
// runs any deferred swap.
func (l *Loader) unpinLocked(inst *instance) {
	if inst.pins <= 0 {
		return
	}
	inst.pins--
	if inst.pins > 0 {
		return
	}
	inst.lastUsed = l.now()
	if l.table.byKey[inst.key] != inst {
		return
	}
	l.releasedLocked(inst)
}

// releasedLocked puts an unpinned resident instance back on the LRU list,
// or starts its pending swap.
func (l *Loader) releasedLocked(inst *instance) {
	if inst.pendingSwap != "" && !inst.swapping {
		target := inst.pendingSwap
		inst.pendingSwap = ""
		if l.startSwapLocked(inst, target) {
			l.signalLocked()
			return
		}
	}
	if !inst.swapping {
		l.table.appendLRU(inst)
	}
	l.signalLocked()
}

func (l *Loader) release(inst *instance) {
	l.mu.Lock()
	l.unpinLocked(inst)
	l.mu.Unlock()
}

// evictedLocked records victims already removed from the table.
func (l *Loader) evictedLocked(victims []*instance) {
	for _, v := range victims {
		l.stats.evictions++
		l.emitLocked(router.Event{Kind: router.EventEvict, Key: v.key, Bytes: v.footprint()})
		logrus.Debugf("evicted %s (%d bytes, idle since %v)", v.key, v.footprint(), v.lastUsed)
	}
}

func (l *Loader) unloadAll(victims []*instance) {
	for _, v := range victims {
		l.backend.Unload(v.weights)
	}
}

func (l *Loader) signalLocked() {
	close(l.capacity)
	l.capacity = make(chan struct{})
}

func (l *Loader) emitLocked(ev router.Event) {
	ev.At = l.now()
	ev.UsedBytes = l.table.used
	l.sink.Emit(ev)
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InstanceStats describes one resident instance.
type InstanceStats struct {
	Key            router.InstanceKey
	FootprintBytes int64
	Pins           int
	LastUsed       time.Time
	Preloaded      bool
	PendingSwap    router.QuantMode
}

// Stats is a point-in-time snapshot of the loader.
type Stats struct {
	Budget         router.MemoryBudget
	ReservedBytes  int64
	EvictableBytes int64
	InFlight       int
	Resident       []InstanceStats // sorted by key

	Hits, Misses, Coalesced, Loads, Evictions, Swaps, Preloads, Failures uint64
}

// Stats returns a consistent snapshot.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Budget:         router.MemoryBudget{MaxBytes: l.max, UsedBytes: l.table.used},
		ReservedBytes:  l.reserved,
		EvictableBytes: l.table.evictable,
		InFlight:       len(l.inflight),
		Hits:           l.stats.hits,
		Misses:         l.stats.misses,
		Coalesced:      l.stats.coalesced,
		Loads:          l.stats.loads,
		Evictions:      l.stats.evictions,
		Swaps:          l.stats.swaps,
		Preloads:       l.stats.preloads,
		Failures:       l.stats.failures,
	}
	for _, inst := range l.table.byKey {
		s.Resident = append(s.Resident, InstanceStats{
			Key:            inst.key,
			FootprintBytes: inst.footprint(),
			Pins:           inst.pins,
			LastUsed:       inst.lastUsed,
			Preloaded:      inst.preloaded,
			PendingSwap:    inst.pendingSwap,
		})
	}
	sort.Slice(s.Resident, func(i, j int) bool { return s.Resident[i].Key.String() < s.Resident[j].Key.String() })
	return s
}
