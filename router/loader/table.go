package loader

import (
	"time"

	"github.com/inference-sim/tier-router/router"
)

// instance is one resident (model, mode) pair.
type instance struct {
	key         router.InstanceKey
	desc        router.ModelDescriptor
	spec        router.QuantSpec
	weights     any
	pins        int              // active handles; > 0 excludes the instance from eviction
	lastUsed    time.Time        // refreshed on every pin and on the last release
	loadedAt    time.Time
	preloaded   bool             // committed by the predictive preloader and never pinned since
	swapping    bool             // a smaller replacement is loading
	pendingSwap router.QuantMode // swap target to run once pins reaches 0
	inLRU       bool
	prev, next  *instance // LRU doubly linked list of unpinned instances
}

func (i *instance) footprint() int64 { return i.spec.FootprintBytes }

// table is the residency index plus an intrusive LRU list of unpinned
// instances. The head is the least recently released. Only instances on
// the list are evictable. Callers hold the loader mutex.
type table struct {
	byKey     map[router.InstanceKey]*instance
	head      *instance
	tail      *instance
	used      int64 // sum of resident footprints
	evictable int64 // sum of footprints on the LRU list
}

func newTable() *table {
	return &table{byKey: make(map[router.InstanceKey]*instance)}
}

func (t *table) get(key router.InstanceKey) (*instance, bool) {
	inst, ok := t.byKey[key]
	return inst, ok
}

// insert adds a committed instance. Unpinned instances join the LRU tail.
func (t *table) insert(inst *instance) {
	t.byKey[inst.key] = inst
	t.used += inst.footprint()
	if inst.pins == 0 {
		t.appendLRU(inst)
	}
}

// remove drops inst from the index and the LRU list.
func (t *table) remove(inst *instance) {
	if t.byKey[inst.key] != inst {
		return
	}
	t.removeLRU(inst)
	delete(t.byKey, inst.key)
	t.used -= inst.footprint()
}

// appendLRU inserts an instance at the tail of the LRU list.
func (t *table) appendLRU(inst *instance) {
	if inst.inLRU {
		return
	}
	inst.next = nil
	if t.tail != nil {
		t.tail.next = inst
		inst.prev = t.tail
		t.tail = inst
	} else {
		t.head = inst
		t.tail = inst
		inst.prev = nil
	}
	inst.inLRU = true
	t.evictable += inst.footprint()
}

// removeLRU detaches an instance from the LRU list.
func (t *table) removeLRU(inst *instance) {
	if !inst.inLRU {
		return
	}
	if inst.prev != nil {
		inst.prev.next = inst.next
	} else {
		t.head = inst.next
	}
	if inst.next != nil {
		inst.next.prev = inst.prev
	} else {
		t.tail = inst.prev
	}
	inst.next = nil
	inst.prev = nil
	inst.inLRU = false
	t.evictable -= inst.footprint()
}

// evictFor removes LRU-head instances until at least need bytes are freed
// and returns them. It removes nothing if the list cannot free need bytes.
func (t *table) evictFor(need int64) []*instance {
	if need <= 0 || t.evictable < need {
		return nil
	}
	var victims []*instance
	var freed int64
	for freed < need && t.head != nil {
		victim := t.head
		t.remove(victim)
		victims = append(victims, victim)
		freed += victim.footprint()
	}
	return victims
}

// lru returns the evictable instances, least recently used first.
func (t *table) lru() []*instance {
	var out []*instance
	for inst := t.head; inst != nil; inst = inst.next {
		out = append(out, inst)
	}
	return out
}
