// Package registry holds the model catalog: descriptors ordered by tier
// rank plus a temporary cooldown state used after load failures.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inference-sim/tier-router/router"
)

// Registry is the in-memory model catalog. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]router.ModelDescriptor
	ordered  []router.ModelDescriptor // ascending TierRank
	cooldown map[string]time.Time     // model id -> cooldown expiry
	tierFor  func(router.ComplexityLevel) int
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now; used by tests to expire cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTierMap sets the complexity -> tier rank mapping used by TiersFor.
func WithTierMap(tierFor func(router.ComplexityLevel) int) Option {
	return func(r *Registry) { r.tierFor = tierFor }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:     make(map[string]router.ModelDescriptor),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromConfig builds a registry from the validated catalog in cfg.
func FromConfig(cfg *router.Config, opts ...Option) (*Registry, error) {
	r := New(append([]Option{WithTierMap(cfg.TierFor)}, opts...)...)
	for _, d := range cfg.Descriptors() {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Ids must be unique, tier ranks distinct,
// every mode named once with a positive footprint.
func (r *Registry) Register(d router.ModelDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("register: empty model id")
	}
	if len(d.Modes) == 0 {
		return fmt.Errorf("register %q: no quantization modes", d.ID)
	}
	seen := make(map[router.QuantMode]bool, len(d.Modes))
	for _, q := range d.Modes {
		if q.Mode == "" {
			return fmt.Errorf("register %q: empty mode name", d.ID)
		}
		if seen[q.Mode] {
			return fmt.Errorf("register %q: duplicate mode %q", d.ID, q.Mode)
		}
		seen[q.Mode] = true
		if q.FootprintBytes <= 0 {
			return fmt.Errorf("register %q: mode %q has non-positive footprint %d", d.ID, q.Mode, q.FootprintBytes)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[d.ID]; dup {
		return fmt.Errorf("register %q: already registered", d.ID)
	}
	for _, other := range r.ordered {
		if other.TierRank == d.TierRank {
			return fmt.Errorf("register %q: tier rank %d already used by %q", d.ID, d.TierRank, other.ID)
		}
	}
	r.byID[d.ID] = d
	r.ordered = append(r.ordered, d)
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].TierRank < r.ordered[j].TierRank })
	return nil
}

// Lookup returns the descriptor for id. Unknown ids return an error
// matching router.ErrUnknownModel.
func (r *Registry) Lookup(id string) (router.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return router.ModelDescriptor{}, fmt.Errorf("lookup %q: %w", id, router.ErrUnknownModel)
	}
	return d, nil
}

// Ordered returns every descriptor in ascending tier order, including
// those in cooldown.
func (r *Registry) Ordered() []router.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]router.ModelDescriptor(nil), r.ordered...)
}

// ByRank returns the descriptor registered at rank.
func (r *Registry) ByRank(rank int) (router.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.ordered {
		if d.TierRank == rank {
			return d, true
		}
	}
	return router.ModelDescriptor{}, false
}

// CandidatesFrom orders descriptors by preference for a target rank: the
// lowest tier at or above rank first, then lower tiers descending, then
// the remaining higher tiers ascending.
func (r *Registry) CandidatesFrom(rank int) []router.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pivot := sort.Search(len(r.ordered), func(i int) bool { return r.ordered[i].TierRank >= rank })
	out := make([]router.ModelDescriptor, 0, len(r.ordered))
	if pivot < len(r.ordered) {
		out = append(out, r.ordered[pivot])
	}
	for i := pivot - 1; i >= 0; i-- {
		out = append(out, r.ordered[i])
	}
	for i := pivot + 1; i < len(r.ordered); i++ {
		out = append(out, r.ordered[i])
	}
	return out
}

// TiersFor returns the candidates for level, starting at its mapped tier.
// Without a tier map every level starts at the lowest tier.
func (r *Registry) TiersFor(level router.ComplexityLevel) []router.ModelDescriptor {
	rank := -1 << 31
	if r.tierFor != nil {
		rank = r.tierFor(level)
	}
	return r.CandidatesFrom(rank)
}

// BaselineRank returns the tier rank mapped to level, or false without a
// tier map.
func (r *Registry) BaselineRank(level router.ComplexityLevel) (int, bool) {
	if r.tierFor == nil {
		return 0, false
	}
	return r.tierFor(level), true
}

// Cooldown marks id unavailable for d. A later call extends or shortens
// the window; d <= 0 clears it.
func (r *Registry) Cooldown(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 {
		delete(r.cooldown, id)
		return
	}
	r.cooldown[id] = r.now().Add(d)
}

// InCooldown reports whether id is currently cooling down. Expired entries
// are dropped lazily.
func (r *Registry) InCooldown(id string) bool {
	r.mu.RLock()
	until, ok := r.cooldown[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.now().Before(until) {
		return true
	}
	r.mu.Lock()
	if cur, ok := r.cooldown[id]; ok && !r.now().Before(cur) {
		delete(r.cooldown, id)
	}
	r.mu.Unlock()
	return false
}

// Available reports whether id is registered and not cooling down.
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	return ok && !r.InCooldown(id)
}

// CooldownRemaining returns how long id stays unavailable.
func (r *Registry) CooldownRemaining(id string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.cooldown[id]
	if !ok {
		return 0
	}
	if left := until.Sub(r.now()); left > 0 {
		return left
	}
	return 0
}
