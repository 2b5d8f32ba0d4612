package loader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
)

// rankKeys orders the distinct keys in recent by frequency, ties going to
// the most recently seen.
func rankKeys(recent []router.RoutingDecision) []router.InstanceKey {
	count := make(map[router.InstanceKey]int)
	last := make(map[router.InstanceKey]int)
	for i, d := range recent {
		k := d.Key()
		count[k]++
		last[k] = i
	}
	keys := make([]router.InstanceKey, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if count[a] != count[b] {
			return count[a] > count[b]
		}
		return last[a] > last[b]
	})
	return keys
}

// PredictivePreload loads up to topK of the most frequent keys in recent
// that are not resident, not loading and not cooling down, using free
// budget only. It never evicts and never blocks: loads run in the
// background, throttled by the preload rate limit and concurrency cap.
// While in flight, a preload nobody waits on yields its reservation to any
// Acquire that needs the room. Failures are logged. Returns the keys whose
// loads were started.
func (l *Loader) PredictivePreload(ctx context.Context, recent []router.RoutingDecision, topK int) []router.InstanceKey {
	ranked := rankKeys(recent)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	var started []router.InstanceKey
	for _, key := range ranked {
		if l.catalog.InCooldown(key.ModelID) {
			continue
		}
		desc, err := l.catalog.Lookup(key.ModelID)
		if err != nil {
			continue
		}
		spec, ok := desc.Mode(key.Mode)
		if !ok || !l.canPreload(key, spec) {
			continue
		}
		if !l.limiter.Allow() {
			logrus.Debugf("preload of %s throttled", key)
			break
		}
		if !l.sem.TryAcquire(1) {
			logrus.Debugf("preload of %s skipped: concurrency cap reached", key)
			break
		}

		l.mu.Lock()
		if !l.canPreloadLocked(key, spec) {
			l.mu.Unlock()
			l.sem.Release(1)
			continue
		}
		call := l.reserveLocked(ctx, desc, spec, callPreload)
		l.mu.Unlock()

		go func() {
			defer l.sem.Release(1)
			l.runLoad(call)
			if call.err != nil && !call.preempted {
				logrus.Infof("preload of %s failed: %v", call.key, call.err)
			}
		}()
		started = append(started, key)
	}
	return started
}

func (l *Loader) canPreload(key router.InstanceKey, spec router.QuantSpec) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canPreloadLocked(key, spec)
}

func (l *Loader) canPreloadLocked(key router.InstanceKey, spec router.QuantSpec) bool {
	if _, ok := l.table.get(key); ok {
		return false
	}
	if _, ok := l.inflight[key]; ok {
		return false
	}
	return spec.FootprintBytes <= l.max-l.table.used-l.reserved
}

// Preloader feeds routing decisions into PredictivePreload from a
// background goroutine. It implements router.DecisionObserver.
type Preloader struct {
	loader *Loader
	topK   int
	window int
	ch     chan router.RoutingDecision

	mu      sync.Mutex
	recent  []router.RoutingDecision // ring buffer of the last window decisions
	next    int
	dropped atomic.Uint64
}

// NewPreloader returns a Preloader for l.
func NewPreloader(l *Loader, cfg router.PreloadConfig) *Preloader {
	window := cfg.Window
	if window < 1 {
		window = 1
	}
	return &Preloader{
		loader: l,
		topK:   cfg.TopK,
		window: window,
		ch:     make(chan router.RoutingDecision, window),
		recent: make([]router.RoutingDecision, 0, window),
	}
}

// Observe queues d without blocking; decisions are dropped when the queue
// is full.
func (p *Preloader) Observe(d router.RoutingDecision) {
	select {
	case p.ch <- d:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many decisions Observe discarded.
func (p *Preloader) Dropped() uint64 { return p.dropped.Load() }

func (p *Preloader) record(d router.RoutingDecision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recent) < p.window {
		p.recent = append(p.recent, d)
		return
	}
	p.recent[p.next] = d
	p.next = (p.next + 1) % p.window
}

// Window returns the recorded decisions, oldest first.
func (p *Preloader) Window() []router.RoutingDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]router.RoutingDecision, 0, len(p.recent))
	out = append(out, p.recent[p.next:]...)
	out = append(out, p.recent[:p.next]...)
	return out
}

// Run consumes observed decisions until ctx is done.
func (p *Preloader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.ch:
			p.record(d)
			p.loader.PredictivePreload(ctx, p.Window(), p.topK)
		}
	}
}
