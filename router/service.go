package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Components groups the collaborators a Router is built from. Sink and
// Observer are optional.
type Components struct {
	Classifier Classifier
	Profiler   Profiler
	Catalog    Catalog
	Residency  Residency
	Sink       EventSink
	Observer   DecisionObserver
}

// Router runs the per-query pipeline: classify, profile, decide, acquire.
// It is safe for concurrent use; each query runs on its caller's goroutine.
type Router struct {
	cfg        *Config
	classifier Classifier
	profiler   Profiler
	catalog    Catalog
	residency  Residency
	sink       EventSink
	observer   DecisionObserver
	engine     *Engine
	load       *LoadTracker
	now        func() time.Time
}

// NewRouter validates the components and builds a Router.
func NewRouter(cfg *Config, c Components) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("router: nil config")
	}
	if c.Classifier == nil || c.Profiler == nil || c.Catalog == nil || c.Residency == nil {
		return nil, fmt.Errorf("router: classifier, profiler, catalog and residency are required")
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	load := NewLoadTracker()
	return &Router{
		cfg:        cfg,
		classifier: c.Classifier,
		profiler:   c.Profiler,
		catalog:    c.Catalog,
		residency:  c.Residency,
		sink:       c.Sink,
		observer:   c.Observer,
		engine:     NewEngine(cfg, c.Catalog, c.Residency, load),
		load:       load,
		now:        time.Now,
	}, nil
}

// Classifier returns the configured classifier.
func (r *Router) Classifier() Classifier { return r.classifier }

// Profiler returns the configured profiler.
func (r *Router) Profiler() Profiler { return r.profiler }

// Engine exposes the decision engine for dry-run routing.
func (r *Router) Engine() *Engine { return r.engine }

// Load exposes the in-flight tracker.
func (r *Router) Load() *LoadTracker { return r.load }

// Route classifies q, picks a tier and mode, and pins the weights.
// The returned Lease must be released once inference completes.
//
// A LoadError on the chosen instance puts its model in cooldown, so the
// decision is recomputed without it, at most once per catalog entry. If no
// tier remains, the result is RoutingUnavailable wrapping the last load
// failure. ResourceExhausted is returned as is.
func (r *Router) Route(ctx context.Context, q Query) (*Lease, error) {
	start := r.now()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.ArrivalTime.IsZero() {
		q.ArrivalTime = start
	}

	c := r.classifier.Classify(ctx, q.Text, q.Context)
	if c.Fallback {
		logrus.Debugf("query %s: classification fallback to %s", q.ID, c.Level)
	}
	dev := r.profiler.Snapshot(ctx)

	var loadErr error
	attempts := len(r.catalog.Ordered())
	for attempt := 0; attempt < attempts; attempt++ {
		d, err := r.engine.Decide(q, c, dev)
		if err != nil {
			if loadErr != nil {
				err = &Error{Kind: KindRoutingUnavailable, Msg: "no tier left after load failure", Err: loadErr}
			}
			r.reject(q, err)
			return nil, err
		}

		h, err := r.residency.Acquire(ctx, d.Key())
		if err == nil {
			r.load.Begin(d.ModelID)
			r.sink.Emit(Event{
				Kind:     EventDecision,
				At:       r.now(),
				QueryID:  q.ID,
				Key:      d.Key(),
				Decision: &d,
				Latency:  r.now().Sub(start),
			})
			if r.observer != nil {
				r.observer.Observe(d)
			}
			logrus.Debugf("query %s routed: %s", q.ID, d.Reason)
			return &Lease{Decision: d, handle: h, load: r.load}, nil
		}
		if !errors.Is(err, ErrLoadFailed) {
			r.reject(q, err)
			return nil, err
		}
		logrus.Warnf("query %s: load of %s failed, re-routing: %v", q.ID, d.Key(), err)
		loadErr = err
	}
	err := &Error{Kind: KindRoutingUnavailable, Msg: "load failures exhausted every tier", Err: loadErr}
	r.reject(q, err)
	return nil, err
}

func (r *Router) reject(q Query, err error) {
	logrus.Infof("query %s rejected: %v", q.ID, err)
	r.sink.Emit(Event{Kind: EventRejected, At: r.now(), QueryID: q.ID, Err: err})
}

// Lease is the routing decision plus the pinned weights handed to the
// inference executor.
type Lease struct {
	Decision RoutingDecision

	handle   Handle
	load     *LoadTracker
	released atomic.Bool
}

// Handle returns the pinned instance.
func (l *Lease) Handle() Handle { return l.handle }

// Weights is shorthand for Handle().Weights().
func (l *Lease) Weights() any { return l.handle.Weights() }

// Release unpins the instance and ends load tracking. Safe to call twice.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.handle.Release()
	l.load.End(l.Decision.ModelID)
}
