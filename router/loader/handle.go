package loader

import (
	"context"
	"sync/atomic"

	"github.com/inference-sim/tier-router/router"
)

// Handle pins one resident instance until Release.
type Handle struct {
	l        *Loader
	inst     *instance
	released atomic.Bool
}

func newHandle(l *Loader, inst *instance) *Handle {
	return &Handle{l: l, inst: inst}
}

// Key returns the pinned instance key.
func (h *Handle) Key() router.InstanceKey { return h.inst.key }

// Spec returns the quantization spec of the pinned instance.
func (h *Handle) Spec() router.QuantSpec { return h.inst.spec }

// Weights returns the backend payload.
func (h *Handle) Weights() any { return h.inst.weights }

// Release unpins the instance. Only the first call has an effect.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.l.release(h.inst)
	}
}

// Release is shorthand for h.Release().
func (l *Loader) Release(h *Handle) { h.Release() }

// Residency adapts the loader to router.Residency.
func (l *Loader) Residency() router.Residency { return residency{l: l} }

type residency struct{ l *Loader }

func (r residency) IsResident(key router.InstanceKey) bool { return r.l.IsResident(key) }

func (r residency) Acquire(ctx context.Context, key router.InstanceKey) (router.Handle, error) {
	h, err := r.l.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return h, nil
}
