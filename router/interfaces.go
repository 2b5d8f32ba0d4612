package router

import "context"

// Classifier maps query text and context to a complexity level.
// Implementations never fail; failures are reported through
// Classification.Fallback.
type Classifier interface {
	Classify(ctx context.Context, text string, qc QueryContext) Classification
}

// Profiler returns a snapshot of host conditions. It never fails.
type Profiler interface {
	Snapshot(ctx context.Context) DeviceProfile
}

// Catalog is the read side of the model registry used by the engine.
type Catalog interface {
	// Ordered returns every descriptor in ascending tier order.
	Ordered() []ModelDescriptor
	// CandidatesFrom returns descriptors ordered by preference around a
	// target rank: the first tier at or above it, then lower tiers
	// descending, then higher tiers ascending.
	CandidatesFrom(rank int) []ModelDescriptor
	Lookup(id string) (ModelDescriptor, error)
	InCooldown(id string) bool
}

// Handle is a pinned reference to a resident model instance. The instance
// cannot be evicted until Release is called. Release is idempotent.
type Handle interface {
	Key() InstanceKey
	Weights() any
	Release()
}

// Residency is the loader surface used by the Router.
type Residency interface {
	ResidencyView
	Acquire(ctx context.Context, key InstanceKey) (Handle, error)
}

// ResidencyView answers optimistic residency questions for tie-breaking.
type ResidencyView interface {
	IsResident(key InstanceKey) bool
}

// DecisionObserver is notified of every successful routing decision
// (used to feed the predictive preloader). Observe must not block.
type DecisionObserver interface {
	Observe(RoutingDecision)
}
