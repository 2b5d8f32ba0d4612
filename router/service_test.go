package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/loader"
	"github.com/inference-sim/tier-router/router/profile"
	"github.com/inference-sim/tier-router/router/registry"
)

type fixedClassifier router.ComplexityLevel

func (f fixedClassifier) Classify(context.Context, string, router.QueryContext) router.Classification {
	return router.Classification{Level: router.ComplexityLevel(f), Confidence: 1, Source: "rules"}
}

type recordingSink struct {
	mu     sync.Mutex
	events []router.Event
}

func (s *recordingSink) Emit(ev router.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []router.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []router.EventKind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type observerFunc func(router.RoutingDecision)

func (f observerFunc) Observe(d router.RoutingDecision) { f(d) }

type routerFixture struct {
	router  *router.Router
	loader  *loader.Loader
	backend *loader.SimulatedBackend
	reg     *registry.Registry
	sink    *recordingSink
	seen    []router.RoutingDecision
}

func newRouterFixture(t *testing.T, level router.ComplexityLevel) *routerFixture {
	t.Helper()
	cfg := testRouterConfig(t)
	reg, err := registry.FromConfig(cfg)
	require.NoError(t, err)
	f := &routerFixture{
		backend: loader.NewSimulatedBackend(0, 0),
		reg:     reg,
		sink:    &recordingSink{},
	}
	f.loader = loader.New(cfg, reg, f.backend)
	f.router, err = router.NewRouter(cfg, router.Components{
		Classifier: fixedClassifier(level),
		Profiler:   profile.Static{},
		Catalog:    reg,
		Residency:  f.loader.Residency(),
		Sink:       f.sink,
		Observer:   observerFunc(func(d router.RoutingDecision) { f.seen = append(f.seen, d) }),
	})
	require.NoError(t, err)
	return f
}

func TestNewRouter_RequiresComponents(t *testing.T) {
	_, err := router.NewRouter(router.DefaultConfig(), router.Components{})
	assert.Error(t, err)
	_, err = router.NewRouter(nil, router.Components{})
	assert.Error(t, err)
}

func TestRoute_PinsDecidedInstance(t *testing.T) {
	// GIVEN a router over an empty loader
	f := newRouterFixture(t, router.Standard)

	// WHEN a query is routed
	lease, err := f.router.Route(context.Background(), router.Query{Text: "explain this"})

	// THEN the chosen instance is loaded and pinned
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Decision.QueryID)
	assert.Equal(t, router.InstanceKey{ModelID: "mid", Mode: "q4"}, lease.Decision.Key())
	assert.Equal(t, lease.Decision.Key(), lease.Handle().Key())
	assert.NotNil(t, lease.Weights())
	assert.True(t, f.loader.IsResident(lease.Decision.Key()))
	assert.Equal(t, 1, f.router.Load().Inflight("mid"))
	assert.Equal(t, []router.EventKind{router.EventDecision}, f.sink.kinds())
	require.Len(t, f.seen, 1)
	assert.Equal(t, lease.Decision.QueryID, f.seen[0].QueryID)

	// AND releasing twice drops exactly one pin
	lease.Release()
	lease.Release()
	assert.Zero(t, f.router.Load().Inflight("mid"))
	assert.Equal(t, int64(5), f.loader.Stats().EvictableBytes)
}

func TestRoute_LoadErrorReroutes(t *testing.T) {
	// GIVEN the standard tier's weights are corrupt
	f := newRouterFixture(t, router.Standard)
	f.backend.Fail(router.InstanceKey{ModelID: "mid", Mode: "q4"}, errors.New("checksum mismatch"))

	// WHEN routed
	lease, err := f.router.Route(context.Background(), router.Query{ID: "q1", Text: "explain this"})

	// THEN the model cools down and the query lands on the next candidate
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, router.InstanceKey{ModelID: "small", Mode: "q8"}, lease.Decision.Key())
	assert.True(t, f.reg.InCooldown("mid"))
}

func TestRoute_LoadFailuresExhaustTiers(t *testing.T) {
	// GIVEN an escalated query and failing loads on every tier above the floor
	f := newRouterFixture(t, router.Trivial)
	boom := errors.New("disk error")
	f.backend.Fail(router.InstanceKey{ModelID: "mid", Mode: "q4"}, boom)
	f.backend.Fail(router.InstanceKey{ModelID: "large", Mode: "q4"}, boom)

	// WHEN routed
	_, err := f.router.Route(context.Background(), router.Query{ID: "q1", Text: "hi", Security: router.SecurityEscalated})

	// THEN routing is unavailable, the load failure is the cause, and the
	// floor was never breached
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrRoutingUnavailable)
	assert.ErrorIs(t, err, router.ErrLoadFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.loader.IsResident(router.InstanceKey{ModelID: "small", Mode: "q4"}))
	assert.Equal(t, []router.EventKind{router.EventRejected}, f.sink.kinds())
	assert.Empty(t, f.seen)
}

func TestRoute_ResourceExhaustedIsReturned(t *testing.T) {
	// GIVEN the budget is pinned by another consumer
	f := newRouterFixture(t, router.Standard)
	h, err := f.loader.Acquire(context.Background(), router.InstanceKey{ModelID: "large", Mode: "q8"})
	require.NoError(t, err)
	defer h.Release()

	// WHEN routed with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.router.Route(ctx, router.Query{ID: "q1", Text: "explain this"})

	// THEN the caller gets a retryable ResourceExhausted
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrResourceExhausted)
	assert.True(t, router.Retryable(err))
	kind, ok := router.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, router.KindResourceExhausted, kind)
	assert.False(t, f.reg.InCooldown("mid"))
}

func TestRoute_ConcurrentQueriesShareOneLoad(t *testing.T) {
	f := newRouterFixture(t, router.Standard)
	f.router, _ = router.NewRouter(testRouterConfig(t), router.Components{
		Classifier: fixedClassifier(router.Standard),
		Profiler:   profile.Static{},
		Catalog:    f.reg,
		Residency:  f.loader.Residency(),
	})

	var wg sync.WaitGroup
	leases := make([]*router.Lease, 8)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := f.router.Route(context.Background(), router.Query{Text: "explain this"})
			if assert.NoError(t, err) {
				leases[i] = lease
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.backend.Loads(router.InstanceKey{ModelID: "mid", Mode: "q4"}))
	assert.Equal(t, 8, f.router.Load().Inflight("mid"))
	for _, l := range leases {
		if l != nil {
			l.Release()
		}
	}
	assert.Zero(t, f.router.Load().Inflight("mid"))
}
